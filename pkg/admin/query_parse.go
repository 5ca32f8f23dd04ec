package admin

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/getmockd/prock/pkg/httputil"
)

// maxBodySize bounds management request bodies.
const maxBodySize = 1 << 20

// parsePositiveInt returns a parsed int only when the value is a valid positive integer.
func parsePositiveInt(v string) (int, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// parseNonNegativeInt returns a parsed int only when the value is a valid non-negative integer.
func parseNonNegativeInt(v string) (int, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// parseBool accepts the values strconv.ParseBool does.
func parseBool(v string) (bool, bool) {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// readBody reads a bounded request body. On failure it writes the error
// response and returns false.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, CodeBodyTooLarge, ErrMsgBodyTooLarge)
			return nil, false
		}
		httputil.WriteError(w, http.StatusBadRequest, CodeInvalidJSON, ErrMsgInvalidJSON)
		return nil, false
	}
	return body, true
}
