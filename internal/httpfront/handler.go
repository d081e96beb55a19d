package httpfront

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prilive-com/botapigateway/internal/apierr"
)

// botPath is `/bot<token>[/test]/<method>` per spec.md §4.H.
type botPath struct {
	token  string
	isTest bool
	method string
}

// parseBotPath splits an incoming request path into token/test-DC-flag/method.
func parseBotPath(p string) (botPath, bool) {
	p = strings.TrimPrefix(p, "/")
	const prefix = "bot"
	if !strings.HasPrefix(p, prefix) {
		return botPath{}, false
	}
	p = p[len(prefix):]
	parts := strings.Split(p, "/")
	if len(parts) < 2 {
		return botPath{}, false
	}
	token := parts[0]
	rest := parts[1:]
	isTest := false
	if len(rest) > 1 && rest[0] == "test" {
		isTest = true
		rest = rest[1:]
	}
	if len(rest) != 1 || rest[0] == "" || token == "" {
		return botPath{}, false
	}
	return botPath{token: token, isTest: isTest, method: rest[0]}, true
}

func (s *Server) handleBotRequest(w http.ResponseWriter, r *http.Request) {
	bp, ok := parseBotPath(r.URL.Path)
	if !ok {
		writeAPIError(w, apierr.New(404, "Not Found: bad request path"))
		return
	}

	params, err := s.readParams(w, r)
	if err != nil {
		writeAPIError(w, apierr.Wrap(400, "Bad Request: could not parse request body", err))
		return
	}

	peerIP := clientIP(r)
	result, err := s.mgr.Dispatch(r.Context(), peerIP, bp.token, bp.isTest, bp.method, params, false)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeAPIResult(w, result)
}

// readParams extracts method parameters from a JSON body, a form-urlencoded
// body, or a multipart form (files are streamed into cfg.TempDir and
// replaced with their saved path, the teacher's own upload-handling idiom
// generalized from a single upload endpoint to every bot method).
func (s *Server) readParams(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	if r.Body == nil {
		return nil, nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	contentType := r.Header.Get("Content-Type")
	mediaType, mediaParams, _ := mime.ParseMediaType(contentType)

	switch {
	case mediaType == "application/json":
		var params map[string]any
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&params); err != nil {
			return nil, fmt.Errorf("decoding json body: %w", err)
		}
		return params, nil

	case mediaType == "multipart/form-data":
		boundary, ok := mediaParams["boundary"]
		if !ok {
			return nil, fmt.Errorf("multipart request missing boundary")
		}
		return s.readMultipart(multipart.NewReader(r.Body, boundary))

	case mediaType == "application/x-www-form-urlencoded" || mediaType == "":
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("parsing form body: %w", err)
		}
		return formToParams(r.Form), nil

	default:
		return nil, fmt.Errorf("unsupported content type %q", mediaType)
	}
}

func (s *Server) readMultipart(mr *multipart.Reader) (map[string]any, error) {
	params := make(map[string]any)
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		name := part.FormName()
		if part.FileName() == "" {
			value, err := io.ReadAll(part)
			part.Close()
			if err != nil {
				return nil, fmt.Errorf("reading form field %q: %w", name, err)
			}
			params[name] = string(value)
			continue
		}

		dst, err := os.CreateTemp(s.cfg.TempDir, "upload-*"+filepath.Ext(part.FileName()))
		if err != nil {
			part.Close()
			return nil, fmt.Errorf("creating upload temp file: %w", err)
		}
		if _, err := dst.ReadFrom(part); err != nil {
			dst.Close()
			part.Close()
			return nil, fmt.Errorf("saving upload %q: %w", part.FileName(), err)
		}
		dst.Close()
		part.Close()
		params[name] = dst.Name()
	}
	return params, nil
}

func formToParams(form url.Values) map[string]any {
	params := make(map[string]any, len(form))
	for k, v := range form {
		if len(v) == 0 {
			continue
		}
		params[k] = v[0]
	}
	return params
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := splitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndexByte(addr, ':')
	if idx < 0 {
		return addr, "", nil
	}
	return addr[:idx], addr[idx+1:], nil
}

// writeAPIResult renders a successful bot-API response: {"ok":true,"result":...}.
func writeAPIResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

// writeAPIError renders {"ok":false,"error_code":N,"description":"...",
// "parameters":{"retry_after":K}} per spec.md §7, setting a matching HTTP
// status and Retry-After header.
func writeAPIError(w http.ResponseWriter, err error) {
	apiErr, ok := err.(*apierr.APIError)
	if !ok {
		apiErr = apierr.Wrap(500, "Internal Server Error", err)
	}

	body := map[string]any{
		"ok":          false,
		"error_code":  apiErr.Code,
		"description": apiErr.Description,
	}
	if apiErr.RetryAfter > 0 {
		body["parameters"] = map[string]any{"retry_after": apiErr.RetryAfter}
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Code)
	json.NewEncoder(w).Encode(body)
}
