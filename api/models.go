package api

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// NameListResponse is a page of CSR or certificate names.
type NameListResponse struct {
	Names []string `json:"names"`
	PaginationMeta
}

// NameResponse acknowledges a stored CSR or certificate.
type NameResponse struct {
	Name string `json:"name"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// Content types of DER payloads.
const (
	ContentTypeCSR         = "application/pkcs10"
	ContentTypeCertificate = "application/pkix-cert"
)
