package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// HandlerError is returned by HTTP-facing code when a request cannot be served.
// It is never sent over a collaboration socket: protocol failures there are
// absorbed and logged instead.
type HandlerError struct {
	StatusCode int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d : %s", e.StatusCode, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type jsonError struct {
	Err string `json:"error"`
}

func (e HandlerError) JSON() []byte {
	je := jsonError{e.Error()}
	b, _ := json.Marshal(je)
	return b
}

// WriteError writes err to w as a JSON error body. Errors which are not a *HandlerError
// are sent as a 500.
func WriteError(w http.ResponseWriter, err error) {
	herr, ok := err.(*HandlerError)
	if !ok {
		herr = &HandlerError{
			StatusCode: http.StatusInternalServerError,
			Err:        err,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.StatusCode)
	w.Write(herr.JSON())
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and COLLAB_DEBUG=1 then the program panics.
// If expr is false and COLLAB_DEBUG is unset or not '1' then the program logs an error along with
// a field which contains the file/line number of the caller/assertion of Assert.
// Assert should be used to verify invariants which should never be broken during normal functioning
// of the program, and shouldn't be used to log a normal error e.g network errors.
//
// The msg provided should be the expectation of the assert e.g:
//
//	Assert("room is not empty", len(members) > 0)
//
// Which then produces:
//
//	assertion failed: room is not empty
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("COLLAB_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
