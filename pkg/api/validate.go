package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const (
	maxStringLength = 128
	maxBodyBytes    = 1 << 20
)

// validationError reports malformed input. It is rejected before any side
// effect.
type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}

func invalidf(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

// decode reads a JSON request body into v. An empty body decodes as an
// empty object.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))

	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}

		return invalidf("Malformed request body: %s", err)
	}

	return nil
}

func requireString(name string, v *string) error {
	if v == nil {
		return invalidf("Argument %q may not be null.", name)
	}

	return limitString(name, v)
}

func limitString(name string, v *string) error {
	if v != nil && len(*v) > maxStringLength {
		return invalidf("Length of %q has been exceeded.", name)
	}

	return nil
}

func requireNumber[T int | int64](name string, v *T) error {
	if v == nil {
		return invalidf("Argument %q may not be null.", name)
	}

	return nil
}

func requirePage(v *int) error {
	if err := requireNumber("page", v); err != nil {
		return err
	}

	if *v < 1 {
		return invalidf("Argument %q must be at least 1.", "page")
	}

	return nil
}

func requireBool(name string, v *bool) error {
	if v == nil {
		return invalidf("Argument %q may not be null.", name)
	}

	return nil
}
