package arlens

// Client for the remote inference server (object detection, VQA captions and landmarks).

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Inference server tasks.
const (
	TaskObjectDetection   = "object_detection"
	TaskVQA               = "vqa"
	TaskLandmarkDetection = "landmark_detection"
)

// Questions sent with VQA tasks.
const (
	feedbackQuestion = "What do you see?"
	captionQuestion  = "Describe this scene in detail, focusing on architecture and buildings."
	sceneQuestion    = "Describe this architectural scene, focusing on historical and notable features."
	pingQuestion     = "What is this?"
)

// NoCaption is returned by Caption when the server answers without a caption.
const NoCaption = "No description generated"

const processPath = "/process"

// A 1x1 PNG, used to probe the server.
const pingImage = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

// Status is the result of a connectivity probe.
type Status string

// Known probe results.
const (
	StatusReady Status = "ready"
	StatusError Status = "error"
)

// Landmark is a landmark recognised by the inference server.
type Landmark struct {
	Description string     `json:"description"`
	Score       float64    `json:"score,omitempty"`
	Box         *Detection `json:"bounding_box,omitempty"`
}

// Scene is the combined result of object detection, captioning and landmark detection.
type Scene struct {
	Objects   []Detection
	Landmarks []Landmark
	Caption   string
}

type processRequest struct {
	Image       string   `json:"image"`
	Tasks       []string `json:"tasks"`
	DetectClass string   `json:"detect_class,omitempty"`
	Question    string   `json:"question,omitempty"`
}

type processResponse struct {
	BoundingBoxes []Detection `json:"bounding_boxes"`
	VQAAnswer     string      `json:"vqa_answer"`
	Answer        string      `json:"answer"`
	Landmarks     []Landmark  `json:"landmarks"`
}

// caption returns whichever answer field the server filled in.
func (r *processResponse) caption() string {
	if r.VQAAnswer != "" {
		return r.VQAAnswer
	}
	return r.Answer
}

// Client issues single-shot JSON requests to the inference server.
//
// Calls made with feedback set are best effort: when the admission limit is reached or the
// request fails they return an empty result and a nil error. Explicit calls return
// ErrTooManyRequests or the request error instead.
type Client struct {
	admission  *Admission
	httpClient *http.Client

	mu        sync.RWMutex
	serverURL string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient returns a Client for the server at serverURL. Requests are admitted through
// admission; a nil admission gets a private one with DefaultMaxInFlight slots.
func NewClient(serverURL string, admission *Admission, opts ...ClientOption) *Client {
	if admission == nil {
		admission = NewAdmission(DefaultMaxInFlight)
	}
	c := &Client{
		admission:  admission,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.SetServerURL(serverURL)

	return c
}

// NormalizeServerURL appends the process endpoint path to u unless it is already present.
func NormalizeServerURL(u string) string {
	u = strings.TrimRight(strings.TrimSpace(u), "/")
	if strings.HasSuffix(u, processPath) {
		return u
	}
	return u + processPath
}

// SetServerURL changes the server endpoint, e.g. after a tunnel restart.
func (c *Client) SetServerURL(u string) {
	u = NormalizeServerURL(u)

	c.mu.Lock()
	c.serverURL = u
	c.mu.Unlock()

	logger.WithField("url", u).Info("Updated the inference server URL")
}

// ServerURL is the current server endpoint.
func (c *Client) ServerURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverURL
}

// Pending is the number of requests in flight on the client's Admission.
func (c *Client) Pending() int {
	return c.admission.Pending()
}

// DetectObjects asks the server for instances of class in image. Detections without a label get
// class as their label.
func (c *Client) DetectObjects(ctx context.Context, image []byte, class string, feedback bool) (
	[]Detection, error) {

	kind := requestKind("detection", feedback)
	if !c.admission.TryAcquire() {
		logger.WithField("kind", kind).Debug("Skipping request, too many pending requests")
		if feedback {
			return nil, nil
		}
		return nil, ErrTooManyRequests
	}
	defer c.admission.Release()

	resp, err := c.process(ctx, processRequest{
		Image:       base64.StdEncoding.EncodeToString(image),
		Tasks:       []string{TaskObjectDetection},
		DetectClass: class,
	})
	if err != nil {
		if feedback {
			logger.WithFields(Fields{"kind": kind, "error": err}).Warn("Request failed")
			return nil, nil
		}
		return nil, err
	}

	detections := resp.BoundingBoxes
	for i := range detections {
		if detections[i].Label == "" {
			detections[i].Label = class
		}
	}
	logger.WithFields(Fields{"kind": kind, "class": class}).
		Debugf("Received %d detections", len(detections))

	return detections, nil
}

// Caption asks the server to describe image. Feedback calls use a short question.
func (c *Client) Caption(ctx context.Context, image []byte, feedback bool) (string, error) {
	kind := requestKind("caption", feedback)
	if !c.admission.TryAcquire() {
		logger.WithField("kind", kind).Debug("Skipping request, too many pending requests")
		if feedback {
			return "", nil
		}
		return "", ErrTooManyRequests
	}
	defer c.admission.Release()

	question := captionQuestion
	if feedback {
		question = feedbackQuestion
	}
	resp, err := c.process(ctx, processRequest{
		Image:    base64.StdEncoding.EncodeToString(image),
		Tasks:    []string{TaskVQA},
		Question: question,
	})
	if err != nil {
		if feedback {
			logger.WithFields(Fields{"kind": kind, "error": err}).Warn("Request failed")
			return "", nil
		}
		return "", err
	}

	if caption := resp.caption(); caption != "" {
		return caption, nil
	}
	logger.WithField("kind", kind).Warn("No answer in the server response")
	return NoCaption, nil
}

// DetectLandmarks asks the server for known landmarks in image. It is never best-effort: a
// rejected or failed request returns an error.
func (c *Client) DetectLandmarks(ctx context.Context, image []byte) ([]Landmark, error) {
	if !c.admission.TryAcquire() {
		return nil, ErrTooManyRequests
	}
	defer c.admission.Release()

	resp, err := c.process(ctx, processRequest{
		Image: base64.StdEncoding.EncodeToString(image),
		Tasks: []string{TaskLandmarkDetection},
	})
	if err != nil {
		return nil, err
	}

	return resp.Landmarks, nil
}

// DetectAll runs object detection for class, captioning and landmark detection in one request.
// Like DetectLandmarks, it returns an error rather than an empty Scene on failure.
func (c *Client) DetectAll(ctx context.Context, image []byte, class string) (*Scene, error) {
	if !c.admission.TryAcquire() {
		return nil, ErrTooManyRequests
	}
	defer c.admission.Release()

	resp, err := c.process(ctx, processRequest{
		Image:       base64.StdEncoding.EncodeToString(image),
		Tasks:       []string{TaskObjectDetection, TaskVQA, TaskLandmarkDetection},
		DetectClass: class,
		Question:    sceneQuestion,
	})
	if err != nil {
		return nil, err
	}

	for i := range resp.BoundingBoxes {
		if resp.BoundingBoxes[i].Label == "" {
			resp.BoundingBoxes[i].Label = class
		}
	}

	return &Scene{
		Objects:   resp.BoundingBoxes,
		Landmarks: resp.Landmarks,
		Caption:   resp.caption(),
	}, nil
}

// Ping sends a minimal VQA request. The server is ready if it answers the question. Probes bypass
// the admission limit.
func (c *Client) Ping(ctx context.Context) (Status, error) {
	resp, err := c.process(ctx, processRequest{
		Image:    pingImage,
		Tasks:    []string{TaskVQA},
		Question: pingQuestion,
	})
	if err != nil {
		return StatusError, err
	}
	if resp.caption() == "" {
		return StatusError, nil
	}

	return StatusReady, nil
}

// process posts req to the server and decodes the response.
func (c *Client) process(ctx context.Context, req processRequest) (*processResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	requestID := uuid.NewString()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ServerURL(),
		bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)

	log := logger.WithFields(Fields{"request_id": requestID, "tasks": req.Tasks})
	log.Debug("Sending inference request")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		log.WithField("status", httpResp.StatusCode).Error("Inference request failed")
		return nil, fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, strings.TrimSpace(string(text)))
	}

	var resp processResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &resp, nil
}

func requestKind(kind string, feedback bool) string {
	if feedback {
		return "feedback"
	}
	return kind
}
