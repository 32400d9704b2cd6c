package shared

import (
	"encoding/json"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// MaxBodyBytes bounds request bodies. Reaction reports with index records
// are the largest payload the API accepts.
const MaxBodyBytes = 8 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// DecodeJSON reads at most MaxBodyBytes of JSON into dst.
func DecodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, MaxBodyBytes)).Decode(dst)
}

// ValidateRequest prefers the request's own Validate method and falls back
// to its struct tags.
func ValidateRequest(req any) error {
	if v, ok := req.(interface{ Validate() error }); ok {
		return v.Validate()
	}
	return validate.Struct(req)
}
