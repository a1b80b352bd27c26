package response

import (
	"encoding/json"
	"net/http"
)

// OK sends a 200 OK response with JSON data.
func OK(w http.ResponseWriter, data any) {
	write(w, http.StatusOK, data)
}

// Created sends a 201 Created response with JSON data.
func Created(w http.ResponseWriter, data any) {
	write(w, http.StatusCreated, data)
}

// Accepted sends a 202 Accepted response with JSON data.
func Accepted(w http.ResponseWriter, data any) {
	write(w, http.StatusAccepted, data)
}

// NoContent sends a 204 No Content response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func write(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
