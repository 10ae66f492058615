package utils

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/KAsare1/medibook-server/cmd/apperr"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
)

var validate = validator.New()

// RespondJSON writes payload with the given status code.
func RespondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// RespondError writes {"message", "error"} with a status derived from err.
func RespondError(w http.ResponseWriter, err error) {
	RespondJSON(w, apperr.HTTPStatus(err), map[string]string{
		"message": apperr.Message(err),
		"error":   string(apperr.KindOf(err)),
	})
}

// DecodeAndValidate decodes a JSON body into dst and runs struct validation.
func DecodeAndValidate(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Validation("Invalid request body")
	}
	if err := validate.Struct(dst); err != nil {
		return apperr.Validation("%s", validationMessage(err))
	}
	return nil
}

// Validate runs struct validation on v.
func Validate(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return apperr.Validation("%s", validationMessage(err))
	}
	return nil
}

func validationMessage(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	if fe.Param() != "" {
		return fe.Field() + " failed on " + fe.Tag() + "=" + fe.Param()
	}
	return fe.Field() + " failed on " + fe.Tag()
}

// PathID parses a numeric mux path variable.
func PathID(r *http.Request, name string) (uint, error) {
	id, err := strconv.ParseUint(mux.Vars(r)[name], 10, 64)
	if err != nil {
		return 0, apperr.Validation("Invalid %s", name)
	}
	return uint(id), nil
}
