package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kairos-io/emberboot/deployer"
	"github.com/kairos-io/emberboot/internal"
	"github.com/kairos-io/emberboot/internal/web/jobstorage"
	"github.com/kairos-io/emberboot/pkg/schema"
	"golang.org/x/net/websocket"
)

const (
	retryInterval = 10 * time.Second
)

type Worker struct {
	endpoint string
	workerID string
	client   *http.Client
}

func NewWorker(endpoint, workerID string) *Worker {
	return &Worker{
		endpoint: endpoint,
		workerID: workerID,
		client:   &http.Client{Timeout: 0 * time.Second}, // No timeout, builds are long
	}
}

// MultiWriterWithWebsocket wraps a writer and mirrors everything written to
// it over a websocket when one is attached.
type MultiWriterWithWebsocket struct {
	writer io.Writer
	ws     *websocket.Conn
	prefix string
}

func NewMultiWriterWithWebsocket(writer io.Writer, prefix string) *MultiWriterWithWebsocket {
	return &MultiWriterWithWebsocket{
		writer: writer,
		prefix: prefix,
	}
}

func (m *MultiWriterWithWebsocket) SetWebsocket(ws *websocket.Conn) {
	m.ws = ws
}

func (m *MultiWriterWithWebsocket) Write(p []byte) (n int, err error) {
	// Structured log lines get flattened to plain text for the client
	var logMsg struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}

	message := string(p)
	if err := json.Unmarshal(p, &logMsg); err == nil && logMsg.Message != "" {
		message = fmt.Sprintf("[%s] %s\n", strings.ToUpper(logMsg.Level), strings.TrimSpace(logMsg.Message))
	}
	if m.prefix != "" {
		message = fmt.Sprintf("[%s] %s", m.prefix, message)
	}

	n, err = m.writer.Write([]byte(message))
	if err != nil {
		return n, err
	}

	if m.ws != nil {
		for i := 0; i < 3; i++ {
			if err := websocket.Message.Send(m.ws, message); err == nil {
				break
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
	return len(p), nil
}

// WriteStr writes a string to the writer, handling the byte conversion internally
func (m *MultiWriterWithWebsocket) WriteStr(s string) (n int, err error) {
	return m.Write([]byte(s))
}

// Start polls the build service for queued jobs and processes them one at a
// time until the context is done.
func (w *Worker) Start(ctx context.Context) error {
	writer := NewMultiWriterWithWebsocket(os.Stdout, "")
	writer.WriteStr(fmt.Sprintf("Worker %s starting. Will poll for jobs at %s every %v\n", w.workerID, w.endpoint, retryInterval))

	for {
		select {
		case <-ctx.Done():
			writer.WriteStr("Worker shutting down...\n")
			return ctx.Err()
		default:
			job, err := w.bindJob()
			if err != nil {
				time.Sleep(retryInterval)
				continue
			}

			// Convert http:// to ws:// for the log streaming URL
			wsEndpoint := strings.Replace(w.endpoint, "http://", "ws://", 1)
			wsURL := fmt.Sprintf("%s/api/v1/builds/%s/logs/write?worker_id=%s", wsEndpoint, job.JobID, w.workerID)
			ws, err := websocket.Dial(wsURL, "", w.endpoint)
			if err != nil {
				writer.WriteStr(fmt.Sprintf("Failed to connect to websocket: %v\n", err))
				continue
			}
			writer.SetWebsocket(ws)

			writer.WriteStr(fmt.Sprintf("Job %s bound by worker %s\n", job.JobID, w.workerID))

			if err := w.updateJobStatus(job.JobID, jobstorage.JobStatusRunning); err != nil {
				writer.WriteStr(fmt.Sprintf("Failed to update job status to running: %v\n", err))
				ws.Close()
				continue
			}

			writer.WriteStr("Starting job\n")
			if err := w.processJob(ctx, job.JobID, job.Job.JobData, writer); err != nil {
				writer.WriteStr(fmt.Sprintf("Failed to process job: %v\n", err))
				if err := w.updateJobStatus(job.JobID, jobstorage.JobStatusFailed); err != nil {
					writer.WriteStr(fmt.Sprintf("Failed to update job status to failed: %v\n", err))
				}
				ws.Close()
				writer.SetWebsocket(nil)
				continue
			}

			if err := w.updateJobStatus(job.JobID, jobstorage.JobStatusComplete); err != nil {
				writer.WriteStr(fmt.Sprintf("Failed to update job status to complete: %v\n", err))
			}
			writer.WriteStr("Updated job status to completed\n")

			ws.Close()
			writer.SetWebsocket(nil)
		}
	}
}

// deployerConfig maps the job data onto a one shot pipeline configuration.
func deployerConfig(jobData jobstorage.JobData, stateDir string) (schema.Config, schema.ReleaseArtifact) {
	c := schema.Config{
		State:             stateDir,
		CloudConfig:       jobData.CloudConfig,
		DisableHTTPServer: true,
		Payload: schema.Payload{
			Bundle: jobData.Bundle,
			OCI:    jobData.OCI,
		},
		Disk: schema.Disk{
			Size: jobData.DiskSize,
		},
	}
	switch jobData.DiskFormat {
	case "efi":
		c.Disk.EFI = true
	case "bios":
		c.Disk.BIOS = true
	case "vhd":
		c.Disk.VHD = true
	case "gce":
		c.Disk.GCE = true
	}
	r := schema.ReleaseArtifact{ContainerImage: jobData.Image}
	return c, r
}

func (w *Worker) processJob(ctx context.Context, jobID string, jobData jobstorage.JobData, writer *MultiWriterWithWebsocket) error {
	// Redirect all build output to the multiwriter
	internal.Log.Logger = internal.Log.Logger.Output(writer)

	if _, err := writer.WriteStr(fmt.Sprintf("Starting build with data: %+v\n", jobData)); err != nil {
		return fmt.Errorf("failed to send log message: %v", err)
	}

	stateDir, err := os.MkdirTemp("", "ember-build")
	if err != nil {
		return fmt.Errorf("failed to create state dir: %v", err)
	}
	defer os.RemoveAll(stateDir)

	config, release := deployerConfig(jobData, stateDir)

	if err := deployer.Start(ctx, &config, &release); err != nil {
		return fmt.Errorf("build failed: %v", err)
	}

	if _, err := writer.WriteStr("Uploading artifacts to server...\n"); err != nil {
		return fmt.Errorf("failed to send log message: %v", err)
	}

	entries, err := os.ReadDir(stateDir)
	if err != nil {
		return fmt.Errorf("failed to list artifacts: %v", err)
	}
	uploaded := 0
	for _, entry := range entries {
		// The state dir also holds the staging subdirs and the cloud
		// config, only top level files besides config.yaml are artifacts
		if entry.IsDir() || entry.Name() == "config.yaml" {
			continue
		}
		if err := w.uploadArtifact(jobID, filepath.Join(stateDir, entry.Name()), entry.Name()); err != nil {
			return fmt.Errorf("failed to upload artifact %s: %v", entry.Name(), err)
		}
		uploaded++
	}
	if uploaded == 0 {
		return fmt.Errorf("build produced no artifacts")
	}

	if _, err := writer.WriteStr("Build complete. Download links are ready.\n"); err != nil {
		return fmt.Errorf("failed to send completion message: %v", err)
	}

	// Give the client time to receive all messages before closing
	time.Sleep(1 * time.Second)

	return nil
}

func (w *Worker) uploadArtifact(jobID, filePath, fileName string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file: %v", err)
	}
	defer file.Close()

	url := fmt.Sprintf("%s/api/v1/builds/%s/artifacts/%s?worker_id=%s", w.endpoint, jobID, fileName, w.workerID)
	req, err := http.NewRequest(http.MethodPost, url, file)
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to upload file: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

type bindResponse struct {
	JobID string              `json:"job_id"`
	Job   jobstorage.BuildJob `json:"job"`
}

func (w *Worker) bindJob() (*bindResponse, error) {
	url := fmt.Sprintf("%s/api/v1/builds/bind?worker_id=%s", w.endpoint, w.workerID)
	resp, err := w.client.Post(url, "application/json", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("no jobs available")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var result bindResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	return &result, nil
}

func (w *Worker) updateJobStatus(jobID string, status jobstorage.JobStatus) error {
	url := fmt.Sprintf("%s/api/v1/builds/%s/status?worker_id=%s", w.endpoint, jobID, w.workerID)

	body := map[string]string{"status": string(status)}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPut, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}
