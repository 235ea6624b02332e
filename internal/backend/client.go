package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/digkill/TGRenderBot/internal/config"
	"github.com/digkill/TGRenderBot/internal/models"
)

// Failure kinds. The worker loop matches on these to pick the refund reason
// and the user-facing notice; they never carry backend internals to the user.
var (
	ErrSubmission = errors.New("backend: submission rejected")
	ErrConnection = errors.New("backend: unreachable")
	ErrTimeout    = errors.New("backend: generation timed out")
	ErrNoFace     = errors.New("backend: no face detected")
	ErrGeneration = errors.New("backend: generation failed")
	ErrValidation = errors.New("backend: result failed validation")
)

const (
	minImageBytes       = 1024
	minVideoBytesPerSec = 50 * 1024
	defaultVideoSeconds = 5
)

// Job is the backend-side handle for one submitted generation. It lives only
// for the duration of a single poll loop and is never persisted.
type Job struct {
	ID              string
	Kind            models.TaskKind
	DurationSeconds int
	SubmittedAt     time.Time
}

// Client is a stateless adapter over the generation backend's three
// operations: submit a job, poll its state, fetch the output bytes.
type Client struct {
	apiKey       string
	baseURL      string
	httpClient   *http.Client
	downloadHTTP *http.Client
	pollInterval time.Duration
	log          *slog.Logger
	tracer       trace.Tracer
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	downloadTimeout := cfg.DownloadTimeout
	if downloadTimeout <= 0 {
		downloadTimeout = 60 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}

	return &Client{
		apiKey:       cfg.BackendAPIKey,
		baseURL:      strings.TrimRight(cfg.BackendBaseURL, "/"),
		httpClient:   &http.Client{Timeout: connectTimeout},
		downloadHTTP: &http.Client{Timeout: downloadTimeout},
		pollInterval: pollInterval,
		log:          log,
		tracer:       otel.Tracer("backend"),
	}
}

// Submit posts the job description and returns the backend's job handle.
// Nothing is polled here; a bad acknowledgment aborts before polling begins.
func (c *Client) Submit(ctx context.Context, kind models.TaskKind, payload models.TaskPayload) (*Job, error) {
	ctx, span := c.tracer.Start(ctx, "backend.submit",
		trace.WithAttributes(attribute.String("kind", string(kind))))
	defer span.End()

	body, err := json.Marshal(map[string]any{
		"client_id": uuid.NewString(),
		"prompt":    buildJobDescription(kind, payload),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal job description: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: submit: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read submit response: %v", ErrConnection, err)
	}
	if resp.StatusCode >= 300 {
		c.log.Error("backend submit rejected", "status", resp.StatusCode, "body", truncateBody(rawBody))
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrSubmission, resp.StatusCode, truncateBody(rawBody))
	}

	var ack struct {
		PromptID string `json:"prompt_id"`
		Error    string `json:"error"`
	}
	if err := json.Unmarshal(rawBody, &ack); err != nil {
		return nil, fmt.Errorf("%w: malformed acknowledgment: %v (body=%s)", ErrSubmission, err, truncateBody(rawBody))
	}
	if ack.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrSubmission, ack.Error)
	}
	if ack.PromptID == "" {
		return nil, fmt.Errorf("%w: empty prompt_id in acknowledgment", ErrSubmission)
	}

	duration := payload.DurationSeconds
	if duration <= 0 {
		duration = defaultVideoSeconds
	}

	c.log.Info("backend job submitted", "job_id", ack.PromptID, "kind", string(kind))
	return &Job{
		ID:              ack.PromptID,
		Kind:            kind,
		DurationSeconds: duration,
		SubmittedAt:     time.Now(),
	}, nil
}

// AwaitResult polls the job on a fixed interval until it terminates or the
// hard wall-clock budget is exceeded. On success the output is downloaded and
// validated before it is returned; a corrupt artifact is a failure, not a
// result.
func (c *Client) AwaitResult(ctx context.Context, job *Job, budget time.Duration) ([]byte, error) {
	ctx, span := c.tracer.Start(ctx, "backend.await_result",
		trace.WithAttributes(attribute.String("job_id", job.ID)))
	defer span.End()

	deadline := time.Now().Add(budget)
	polls := 0

	for {
		if time.Now().After(deadline) {
			c.log.Error("backend job exceeded budget", "job_id", job.ID, "budget", budget, "polls", polls)
			return nil, fmt.Errorf("%w: after %s", ErrTimeout, budget)
		}

		polls++
		state, err := c.pollJob(ctx, job)
		if err != nil {
			return nil, err
		}

		if state != nil {
			output, err := state.outputFile()
			if err != nil {
				return nil, err
			}
			data, err := c.fetchOutput(ctx, output)
			if err != nil {
				return nil, err
			}
			if err := validateResult(job, data); err != nil {
				return nil, err
			}
			c.log.Info("backend job completed",
				"job_id", job.ID, "polls", polls, "bytes", len(data), "elapsed", time.Since(job.SubmittedAt))
			return data, nil
		}

		if polls%10 == 0 {
			c.log.Info("backend job still processing", "job_id", job.ID, "polls", polls)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// jobState is the decoded per-job history record. A non-nil return from
// pollJob means the job finished with outputs.
type jobState struct {
	jobID   string
	Outputs map[string]outputNode `json:"outputs"`
	Status  struct {
		StatusStr string `json:"status_str"`
		Messages  []any  `json:"messages"`
	} `json:"status"`
	Error string `json:"error"`
}

type outputNode struct {
	Images []fileRef `json:"images"`
	Gifs   []fileRef `json:"gifs"`
	Videos []fileRef `json:"videos"`
}

type fileRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// pollJob fetches the job's history record. Returns (nil, nil) while the job
// is still pending, the state once outputs exist, or a classified failure.
func (c *Client) pollJob(ctx context.Context, job *Job) (*jobState, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(job.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: poll: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read poll response: %v", ErrConnection, err)
	}
	if resp.StatusCode >= 300 {
		c.log.Error("backend poll failed", "job_id", job.ID, "status", resp.StatusCode, "body", truncateBody(rawBody))
		return nil, fmt.Errorf("%w: poll status=%d", ErrConnection, resp.StatusCode)
	}

	var history map[string]jobState
	if err := json.Unmarshal(rawBody, &history); err != nil {
		return nil, fmt.Errorf("decode poll response: %w (body=%s)", err, truncateBody(rawBody))
	}

	state, ok := history[job.ID]
	if !ok {
		// Not in history yet: still pending or running.
		return nil, nil
	}
	state.jobID = job.ID

	if err := classifyFailure(&state, job.Kind); err != nil {
		c.log.Error("backend job failed", "job_id", job.ID, "err", err)
		return nil, err
	}
	if len(state.Outputs) == 0 {
		return nil, nil
	}
	return &state, nil
}

// classifyFailure inspects both the top-level error field and the embedded
// status string. Face-detection vocabulary maps to ErrNoFace, but only for
// the animation mode; everything else the backend reports is ErrGeneration.
func classifyFailure(state *jobState, kind models.TaskKind) error {
	if state.Error != "" {
		if kind == models.TaskKindVideo && mentionsMissingFace(state.Error) {
			return fmt.Errorf("%w: %s", ErrNoFace, state.Error)
		}
		return fmt.Errorf("%w: %s", ErrGeneration, state.Error)
	}
	if state.Status.StatusStr == "error" {
		detail := "unknown error"
		if len(state.Status.Messages) > 0 {
			detail = fmt.Sprintf("%v", state.Status.Messages)
		}
		if kind == models.TaskKindVideo && mentionsMissingFace(detail) {
			return fmt.Errorf("%w: %s", ErrNoFace, detail)
		}
		return fmt.Errorf("%w: %s", ErrGeneration, detail)
	}
	return nil
}

func mentionsMissingFace(msg string) bool {
	lower := strings.ToLower(msg)
	if !strings.Contains(lower, "face") {
		return false
	}
	return strings.Contains(lower, "not found") ||
		strings.Contains(lower, "not detected") ||
		strings.Contains(lower, "no face")
}

// outputFile picks the first image or video artifact from the outputs.
func (s *jobState) outputFile() (fileRef, error) {
	for _, node := range s.Outputs {
		for _, refs := range [][]fileRef{node.Images, node.Gifs, node.Videos} {
			for _, ref := range refs {
				if ref.Filename != "" {
					return ref, nil
				}
			}
		}
	}
	return fileRef{}, fmt.Errorf("%w: no output file in job result", ErrGeneration)
}

func (c *Client) fetchOutput(ctx context.Context, ref fileRef) ([]byte, error) {
	params := url.Values{}
	params.Set("filename", ref.Filename)
	folderType := ref.Type
	if folderType == "" {
		folderType = "output"
	}
	params.Set("type", folderType)
	if ref.Subfolder != "" {
		params.Set("subfolder", ref.Subfolder)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.downloadHTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: download: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: download status=%d", ErrConnection, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read output: %v", ErrConnection, err)
	}
	return data, nil
}

// validateResult rejects artifacts too small to be real media, so an empty or
// truncated file is refunded instead of forwarded.
func validateResult(job *Job, data []byte) error {
	switch job.Kind {
	case models.TaskKindVideo:
		minSize := job.DurationSeconds * minVideoBytesPerSec
		if len(data) < minSize {
			return fmt.Errorf("%w: video is %d bytes, want at least %d for %ds",
				ErrValidation, len(data), minSize, job.DurationSeconds)
		}
	default:
		if len(data) < minImageBytes {
			return fmt.Errorf("%w: image is %d bytes, want at least %d",
				ErrValidation, len(data), minImageBytes)
		}
	}
	return nil
}

// buildJobDescription maps a task onto the backend's workflow input. The
// backend owns the actual workflow graphs; we only name the mode and its
// parameters.
func buildJobDescription(kind models.TaskKind, payload models.TaskPayload) map[string]any {
	desc := map[string]any{
		"mode":   string(kind),
		"prompt": payload.Prompt,
	}
	if payload.AspectRatio != "" {
		desc["aspect_ratio"] = payload.AspectRatio
	}
	if len(payload.InputURLs) > 0 {
		desc["input_urls"] = payload.InputURLs
	}
	if kind == models.TaskKindVideo {
		duration := payload.DurationSeconds
		if duration <= 0 {
			duration = defaultVideoSeconds
		}
		desc["duration_seconds"] = duration
	}
	return desc
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
}

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
