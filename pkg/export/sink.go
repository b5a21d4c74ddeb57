package export

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"
)

// HTTPSink streams lines into an HTTP response.
type HTTPSink struct {
	w  io.Writer
	rc *http.ResponseController
}

// NewHTTPSink prepares w for a CSV attachment download.
func NewHTTPSink(w http.ResponseWriter, filename string) *HTTPSink {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-store")
	return &HTTPSink{w: w, rc: http.NewResponseController(w)}
}

func (s *HTTPSink) WriteLine(line string) error {
	if _, err := io.WriteString(s.w, line+"\n"); err != nil {
		return fmt.Errorf("client write failed: %w", err)
	}
	return nil
}

func (s *HTTPSink) Flush() error {
	return s.rc.Flush()
}

// Filename builds the attachment name for an export started at t.
func Filename(t time.Time) string {
	return fmt.Sprintf("export_%s.csv", t.UTC().Format("20060102_150405"))
}
