package schema

type APIError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error *APIError `json:"error,omitempty"`
}
