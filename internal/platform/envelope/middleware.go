package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// Body is the JSON shape of an enveloped request or response.
type Body struct {
	Dados string `json:"dados"`
}

// MiddlewareConfig configures the envelope middleware.
type MiddlewareConfig struct {
	Codec *Codec
	// Required rejects request bodies that are not enveloped.
	Required bool
	// Skipper bypasses the middleware for matching requests.
	Skipper func(c echo.Context) bool
	// OnFailure is called with "decode" or "crypto" whenever an incoming
	// envelope is rejected.
	OnFailure func(kind string)
}

// Middleware unwraps enveloped request bodies before the handler runs and
// wraps JSON response bodies on the way out. Malformed envelopes are rejected
// with 400 before any handler executes.
func Middleware(cfg MiddlewareConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			if err := openRequest(c, cfg); err != nil {
				return err
			}

			resp := c.Response()
			orig := resp.Writer
			buf := newBufferedWriter(orig)
			resp.Writer = buf
			defer func() { resp.Writer = orig }()

			if err := next(c); err != nil {
				c.Error(err)
			}

			return sealResponse(cfg.Codec, orig, buf)
		}
	}
}

func openRequest(c echo.Context, cfg MiddlewareConfig) error {
	req := c.Request()
	if req.Body == nil || req.Method == http.MethodGet || req.Method == http.MethodHead {
		return nil
	}
	raw, err := io.ReadAll(req.Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	_ = req.Body.Close()

	if len(bytes.TrimSpace(raw)) == 0 {
		req.Body = io.NopCloser(bytes.NewReader(raw))
		return nil
	}

	var wrapped map[string]json.RawMessage
	dados, isEnvelope := "", false
	if json.Unmarshal(raw, &wrapped) == nil {
		if v, ok := wrapped["dados"]; ok && json.Unmarshal(v, &dados) == nil {
			isEnvelope = true
		}
	}

	if !isEnvelope {
		if cfg.Required {
			return echo.NewHTTPError(http.StatusBadRequest, "request body must be an encrypted envelope")
		}
		req.Body = io.NopCloser(bytes.NewReader(raw))
		return nil
	}

	plain, err := cfg.Codec.Decrypt(dados)
	if err != nil {
		kind := "crypto"
		if errors.Is(err, ErrDecode) {
			kind = "decode"
		}
		if cfg.OnFailure != nil {
			cfg.OnFailure(kind)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	req.Body = io.NopCloser(bytes.NewReader(plain))
	req.ContentLength = int64(len(plain))
	req.Header.Set(echo.HeaderContentLength, strconv.Itoa(len(plain)))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return nil
}

func sealResponse(codec *Codec, w http.ResponseWriter, buf *bufferedWriter) error {
	body := buf.buf.Bytes()
	ct := w.Header().Get(echo.HeaderContentType)
	if len(body) == 0 || !strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
		return buf.flushTo()
	}

	sealed, err := codec.Encrypt(body)
	if err != nil {
		return err
	}
	out, err := json.Marshal(Body{Dados: sealed})
	if err != nil {
		return err
	}

	w.Header().Del(echo.HeaderContentLength)
	w.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	w.WriteHeader(buf.statusCode)
	_, err = w.Write(out)
	return err
}

// bufferedWriter captures the handler's response so it can be sealed before
// it reaches the client.
type bufferedWriter struct {
	writer     http.ResponseWriter
	buf        *bytes.Buffer
	statusCode int
}

func newBufferedWriter(w http.ResponseWriter) *bufferedWriter {
	return &bufferedWriter{writer: w, buf: &bytes.Buffer{}, statusCode: http.StatusOK}
}

func (w *bufferedWriter) Header() http.Header { return w.writer.Header() }

func (w *bufferedWriter) Write(b []byte) (int, error) { return w.buf.Write(b) }

func (w *bufferedWriter) WriteHeader(code int) { w.statusCode = code }

func (w *bufferedWriter) Flush() {}

func (w *bufferedWriter) flushTo() error {
	w.writer.WriteHeader(w.statusCode)
	if w.buf.Len() > 0 {
		_, err := w.writer.Write(w.buf.Bytes())
		return err
	}
	return nil
}
