package handlers

import (
	"net/http"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeMessage(w, r, http.StatusNotFound, "Not found")
}
