package upstream

import (
	"strconv"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/intake-relay/pkg/gateway/live/fieldextract"
)

const (
	DefaultModel         = "models/gemini-2.5-flash-preview-native-audio-dialog"
	DefaultVoice         = "Puck"
	DefaultAudioMimeType = "audio/pcm;rate=16000;channels=1"

	DefaultInstructions = "You are a helpful medical intake assistant. Speak English only. Use a professional, empathetic tone appropriate for healthcare settings."

	deprecatedFunctionDescription = "DEPRECATED: This function is for compatibility only. You MUST use executable code instead. Generate Python code with save_patient_field() calls to save patient data."
	deprecatedParamDescription    = "DEPRECATED: Use executable code instead."
)

// ClientMessage is one client->server Live frame. Exactly one field is set.
type ClientMessage struct {
	Setup         *genai.LiveClientSetup `json:"setup,omitempty"`
	RealtimeInput *RealtimeInput         `json:"realtimeInput,omitempty"`
}

// RealtimeInput mirrors the Live realtimeInput frame. Media chunks stay base64
// so browser audio is forwarded without a decode/encode round trip.
type RealtimeInput struct {
	MediaChunks   []MediaChunk `json:"mediaChunks,omitempty"`
	Text          string       `json:"text,omitempty"`
	InputComplete bool         `json:"inputComplete,omitempty"`
}

type MediaChunk struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

type SetupParams struct {
	Model        string
	Instructions string
	Voice        string
}

// SetupMessage builds the session setup frame: audio responses with a
// prebuilt voice, the intake system instruction and the field-save function.
func SetupMessage(p SetupParams) ClientMessage {
	model := strings.TrimSpace(p.Model)
	if model == "" {
		model = DefaultModel
	}
	voice := strings.TrimSpace(p.Voice)
	if voice == "" {
		voice = DefaultVoice
	}
	return ClientMessage{Setup: &genai.LiveClientSetup{
		Model: model,
		GenerationConfig: &genai.GenerationConfig{
			ResponseModalities: []genai.Modality{genai.ModalityAudio},
			SpeechConfig: &genai.SpeechConfig{
				VoiceConfig: &genai.VoiceConfig{
					PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
				},
			},
		},
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: SystemInstruction(p.Instructions)}},
		},
		Tools: []*genai.Tool{{
			FunctionDeclarations: []*genai.FunctionDeclaration{saveFieldDeclaration()},
		}},
	}}
}

func AudioMessage(data, mimeType string) ClientMessage {
	if strings.TrimSpace(mimeType) == "" {
		mimeType = DefaultAudioMimeType
	}
	return ClientMessage{RealtimeInput: &RealtimeInput{
		MediaChunks: []MediaChunk{{Data: data, MimeType: mimeType}},
	}}
}

func TextMessage(text string) ClientMessage {
	return ClientMessage{RealtimeInput: &RealtimeInput{Text: text}}
}

func InputCompleteMessage() ClientMessage {
	return ClientMessage{RealtimeInput: &RealtimeInput{InputComplete: true}}
}

// SystemInstruction appends the code-generation directive to the caller's
// instructions, or to DefaultInstructions when none are given.
func SystemInstruction(instructions string) string {
	if instructions == "" {
		instructions = DefaultInstructions
	}
	return instructions + codeDirective()
}

func codeDirective() string {
	quoted := make([]string, 0, len(fieldextract.Fields))
	for _, f := range fieldextract.Fields {
		quoted = append(quoted, strconv.Quote(f))
	}
	var b strings.Builder
	b.WriteString("\n\nCRITICAL EXECUTABLE CODE REQUIREMENTS:\n")
	b.WriteString("1. You MUST use executable code to save patient data - this is the PREFERRED method\n")
	b.WriteString("2. Generate Python code with save_patient_field() function calls\n")
	b.WriteString(`3. Use this EXACT format: save_patient_field(field_name="field_name", value="user_value")` + "\n")
	b.WriteString("4. Save EXACTLY what the user said - do not regenerate, modify, or change the content\n")
	b.WriteString("5. NEVER save placeholder text or your interpretations\n")
	b.WriteString("6. Call save_patient_field() immediately after receiving each piece of information\n")
	b.WriteString("7. You can save multiple fields in one code block if the user provides multiple pieces of information\n")
	b.WriteString("8. If a field is already saved, move to the next question immediately\n")
	b.WriteString("9. Speak naturally and conversationally while maintaining professionalism\n")
	b.WriteString("10. Use appropriate medical terminology when necessary but explain complex terms\n")
	b.WriteString("11. Show empathy and understanding for patient concerns\n")
	b.WriteString("12. Available fields: " + strings.Join(quoted, ", ") + "\n")
	b.WriteString("\nIMPORTANT: Executable code is the most reliable way to save patient data. Generate clean, simple Python code with save_patient_field() calls!")
	return b.String()
}

func saveFieldDeclaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        fieldextract.FunctionName,
		Description: deprecatedFunctionDescription,
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"field_name": {Type: genai.TypeString, Description: deprecatedParamDescription},
				"value":      {Type: genai.TypeString, Description: deprecatedParamDescription},
			},
			Required: []string{"field_name", "value"},
		},
	}
}
