package judge0

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	appErr "codejudge/pkg/errors"
)

const maxResponseBytes = 4 << 20

// Backend status ids.
const (
	statusInQueue          = 1
	statusProcessing       = 2
	statusAccepted         = 3
	statusWrongAnswer      = 4
	statusTimeLimit        = 5
	statusCompilationError = 6
	statusRuntimeFirst     = 7
	statusRuntimeLast      = 12
)

type createRequest struct {
	SourceCode     string  `json:"source_code"`
	LanguageID     int     `json:"language_id"`
	Stdin          string  `json:"stdin"`
	ExpectedOutput string  `json:"expected_output"`
	CPUTimeLimit   float64 `json:"cpu_time_limit"`
	MemoryLimit    int64   `json:"memory_limit"`
}

type createResponse struct {
	Token string `json:"token"`
}

type submissionStatus struct {
	ID          int    `json:"id"`
	Description string `json:"description"`
}

type submissionResponse struct {
	Stdout        *string          `json:"stdout"`
	Stderr        *string          `json:"stderr"`
	CompileOutput *string          `json:"compile_output"`
	Message       *string          `json:"message"`
	Time          flexFloat        `json:"time"`
	Memory        flexFloat        `json:"memory"`
	ExitCode      *int             `json:"exit_code"`
	Status        submissionStatus `json:"status"`
}

// flexFloat accepts a JSON number, a numeric string or null.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

// decoded holds the plain-text outputs of a finished submission.
type decoded struct {
	statusID      int
	stdout        string
	stderr        string
	compileOutput string
	timeSec       float64
	memoryKB      float64
	exitCode      *int
}

func (r submissionResponse) decode() (decoded, error) {
	out := decoded{
		statusID: r.Status.ID,
		timeSec:  float64(r.Time),
		memoryKB: float64(r.Memory),
		exitCode: r.ExitCode,
	}
	var err error
	if out.stdout, err = decodeField(r.Stdout); err != nil {
		return decoded{}, fmt.Errorf("stdout: %w", err)
	}
	if out.stderr, err = decodeField(r.Stderr); err != nil {
		return decoded{}, fmt.Errorf("stderr: %w", err)
	}
	if out.compileOutput, err = decodeField(r.CompileOutput); err != nil {
		return decoded{}, fmt.Errorf("compile_output: %w", err)
	}
	return out, nil
}

// decodeField decodes a base64 field. The backend wraps long values with
// newlines, which are dropped before decoding.
func decodeField(v *string) (string, error) {
	if v == nil || *v == "" {
		return "", nil
	}
	cleaned := strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, *v)
	raw, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func encodeField(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// client speaks the backend's submissions API.
type client struct {
	cfg  Config
	http *http.Client
}

func (c *client) create(ctx context.Context, body createRequest) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.JudgeSystemError, "encode submission")
	}
	var resp createResponse
	if err := c.do(ctx, http.MethodPost, "/submissions?base64_encoded=true&wait=false", payload, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", appErr.New(appErr.RunnerProtocol).WithMessage("execution backend returned no token")
	}
	return resp.Token, nil
}

func (c *client) get(ctx context.Context, token string) (submissionResponse, error) {
	var resp submissionResponse
	err := c.do(ctx, http.MethodGet, "/submissions/"+token+"?base64_encoded=true", nil, &resp)
	return resp, err
}

func (c *client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("X-RapidAPI-Key", c.cfg.APIKey)
	}
	if c.cfg.APIHost != "" {
		req.Header.Set("X-RapidAPI-Host", c.cfg.APIHost)
	}
	if c.cfg.AuthToken != "" {
		req.Header.Set("X-Auth-Token", c.cfg.AuthToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return appErr.Wrapf(err, appErr.RunnerUnavailable, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return appErr.Wrapf(err, appErr.RunnerUnavailable, "read response")
	}
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return appErr.Newf(appErr.RunnerUnavailable, "execution backend responded %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return appErr.Newf(appErr.RunnerProtocol, "execution backend responded %d: %s", resp.StatusCode, truncate(string(data), 256))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return appErr.Wrapf(err, appErr.RunnerProtocol, "decode response")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
