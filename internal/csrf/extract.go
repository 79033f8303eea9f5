package csrf

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"edge-guard/internal/ratelimit"
	"edge-guard/internal/util"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/tidwall/gjson"
)

const (
	HeaderName = "X-CSRF-Token"
	FieldName  = "csrf_token"

	maxUserAgentLength = 512
	maxFieldValueBytes = 1024
)

// RequestMeta is the client context captured at issuance and compared at
// validation.
type RequestMeta struct {
	IP        string
	UserAgent string
	RequestID string
}

func MetaFromRequest(r *http.Request) RequestMeta {
	return RequestMeta{
		IP:        ratelimit.GetClientIP(r),
		UserAgent: util.SanitizeHeaderValue(r.UserAgent(), maxUserAgentLength),
		RequestID: middleware.GetReqID(r.Context()),
	}
}

// submittedToken looks for the companion token in the X-CSRF-Token
// header, then a JSON body field, then a multipart or urlencoded form
// field. The body is always left readable for the next handler.
func submittedToken(r *http.Request, maxBody int64) string {
	if v := strings.TrimSpace(r.Header.Get(HeaderName)); v != "" {
		return v
	}
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return ""
	}

	var lookup func(body []byte) string
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		lookup = jsonField
	case mediaType == "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return ""
		}
		lookup = func(body []byte) string { return multipartField(body, boundary) }
	case mediaType == "application/x-www-form-urlencoded":
		lookup = formField
	default:
		return ""
	}

	body, complete, err := peekBody(r, maxBody)
	if err != nil || !complete {
		return ""
	}
	return strings.TrimSpace(lookup(body))
}

// peekBody reads up to limit bytes and restores r.Body so downstream
// handlers see the full original body. complete is false when the body
// exceeds limit.
func peekBody(r *http.Request, limit int64) (body []byte, complete bool, err error) {
	if limit <= 0 {
		limit = 1 << 20
	}
	orig := r.Body
	body, err = io.ReadAll(io.LimitReader(orig, limit+1))
	if err != nil {
		r.Body = readCloser{io.MultiReader(bytes.NewReader(body), orig), orig}
		return nil, false, err
	}
	if int64(len(body)) > limit {
		r.Body = readCloser{io.MultiReader(bytes.NewReader(body), orig), orig}
		return nil, false, nil
	}
	_ = orig.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, true, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func jsonField(body []byte) string {
	v := gjson.GetBytes(body, FieldName)
	if v.Type != gjson.String {
		return ""
	}
	return v.Str
}

func multipartField(body []byte, boundary string) string {
	mr := multipart.NewReader(bytes.NewReader(body), boundary)
	for {
		part, err := mr.NextPart()
		if err != nil {
			return ""
		}
		if part.FormName() == FieldName && part.FileName() == "" {
			value, err := io.ReadAll(io.LimitReader(part, maxFieldValueBytes))
			_ = part.Close()
			if err != nil {
				return ""
			}
			return string(value)
		}
		_ = part.Close()
	}
}

func formField(body []byte) string {
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return ""
	}
	return values.Get(FieldName)
}
