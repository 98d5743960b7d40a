package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	rh "github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// StandardError response
type StandardError struct {
	Message string `json:"message"`
}

// ResponseJSON writes data as an application/json response with status.
func ResponseJSON(data interface{}, status int, writer http.ResponseWriter) error {
	d, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
		d, _ = json.Marshal(StandardError{Message: "failed to encode response: " + err.Error()})
		err = fmt.Errorf("failed to encode response: %w", err)
	}

	writer.Header().Set("Content-type", "application/json")
	writer.WriteHeader(status)
	if _, werr := writer.Write(d); werr != nil && err == nil {
		err = werr
	}
	return err
}

// ResponseError response http request with standard error
func ResponseError(message string, status int, writer http.ResponseWriter) error {
	return ResponseJSON(StandardError{Message: message}, status, writer)
}

// HTTPStatusError represents a non-2xx HTTP response.
type HTTPStatusError struct {
	StatusCode int
}

func (err HTTPStatusError) Error() string {
	return fmt.Sprintf("non-success status: %d", err.StatusCode)
}

// LeveledLogrus adapts a logrus logger to the retryablehttp logger interface.
type LeveledLogrus struct {
	*logrus.Logger
}

func NewLeveledLogger(logger *logrus.Logger) rh.LeveledLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return rh.LeveledLogger(&LeveledLogrus{logger})
}

func fields(keysAndValues ...interface{}) map[string]interface{} {
	fields := make(map[string]interface{})

	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}

	return fields
}

func (l *LeveledLogrus) Error(msg string, keysAndValues ...interface{}) {
	l.WithFields(fields(keysAndValues...)).Error(msg)
}

func (l *LeveledLogrus) Info(msg string, keysAndValues ...interface{}) {
	l.WithFields(fields(keysAndValues...)).Info(msg)
}

// Debug promotes retry messages to info so they show up in production logs.
func (l *LeveledLogrus) Debug(msg string, keysAndValues ...interface{}) {
	if strings.Contains(msg, "retrying") {
		l.WithFields(fields(keysAndValues...)).Info(msg)
	} else {
		l.WithFields(fields(keysAndValues...)).Debug(msg)
	}
}

func (l *LeveledLogrus) Warn(msg string, keysAndValues ...interface{}) {
	l.WithFields(fields(keysAndValues...)).Warn(msg)
}

// NewRetryClient returns a retrying HTTP client logging through logrus.
func NewRetryClient(retryMax int) *rh.Client {
	client := rh.NewClient()
	client.RetryMax = retryMax
	client.Logger = NewLeveledLogger(nil)
	return client
}

// PostJSON sends payload as a JSON POST, retrying on connection errors and
// 5xx responses. Any final non-2xx status is returned as HTTPStatusError.
func PostJSON(ctx context.Context, client *rh.Client, url string, payload interface{}) error {
	if client == nil {
		client = NewRetryClient(3)
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	request, err := rh.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return HTTPStatusError{StatusCode: response.StatusCode}
	}
	return nil
}

// DecodeJSON decodes JSON with strict field checking.
func DecodeJSON(reader io.Reader, target interface{}) error {
	if target == nil {
		return nil
	}

	decoder := json.NewDecoder(reader)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}
