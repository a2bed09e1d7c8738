package web

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/uuid"
	"github.com/kairos-io/emberboot/internal/web/jobstorage"
	"github.com/labstack/echo/v4"
	"golang.org/x/net/websocket"
)

type BuildResponse struct {
	UUID string `json:"uuid"`
}

// HandleListBuilds returns every known job id and its status
func HandleListBuilds(c echo.Context) error {
	entries, err := os.ReadDir(jobstorage.BuildsDir)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to list builds"})
	}

	builds := map[string]jobstorage.JobStatus{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		job, err := jobstorage.ReadJob(entry.Name())
		if err != nil {
			continue
		}
		builds[entry.Name()] = job.Status
	}
	return c.JSON(http.StatusOK, builds)
}

// HandleQueueBuild creates a new build job and adds it to the queue
func HandleQueueBuild(c echo.Context) error {
	mu.Lock()
	defer mu.Unlock()

	var req jobstorage.JobData
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}

	if req.Image == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Missing required fields"})
	}

	id, err := uuid.NewV4()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to generate UUID"})
	}

	now := time.Now().Format(time.RFC3339)
	job := jobstorage.BuildJob{
		JobData:   req,
		Status:    jobstorage.JobStatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := os.MkdirAll(jobstorage.GetJobPath(id.String()), 0755); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to create job directory"})
	}
	if err := jobstorage.WriteJob(id.String(), job); err != nil {
		os.RemoveAll(jobstorage.GetJobPath(id.String()))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to write job metadata"})
	}

	return c.JSON(http.StatusOK, BuildResponse{UUID: id.String()})
}

// HandleBindBuildJob allows a worker to claim a queued job
func HandleBindBuildJob(c echo.Context) error {
	workerID := c.QueryParam("worker_id")
	if workerID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "worker_id is required"})
	}

	jobID, job, err := jobstorage.BindNextAvailableJob(workerID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to bind job"})
	}
	if jobID == "" {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "No queued jobs available"})
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"job":    job,
	})
}

// HandleUpdateJobStatus allows a worker to update the status of their assigned job
func HandleUpdateJobStatus(c echo.Context) error {
	jobID := c.Param("job_id")
	workerID := c.QueryParam("worker_id")
	if workerID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "worker_id is required"})
	}

	job, err := jobstorage.ReadJob(jobID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Job not found"})
	}

	if job.WorkerID != workerID {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "Job is assigned to a different worker"})
	}

	var statusUpdate struct {
		Status jobstorage.JobStatus `json:"status"`
	}
	if err := c.Bind(&statusUpdate); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid status update"})
	}

	if !jobstorage.IsValidStatusTransition(job.Status, statusUpdate.Status) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid status transition"})
	}

	if err := jobstorage.UpdateJobStatus(jobID, statusUpdate.Status); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to update job"})
	}

	job, err = jobstorage.ReadJob(jobID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to read job"})
	}
	return c.JSON(http.StatusOK, job)
}

// HandleGetBuild returns a job by ID
func HandleGetBuild(c echo.Context) error {
	job, err := jobstorage.ReadJob(c.Param("job_id"))
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Job not found"})
	}

	return c.JSON(http.StatusOK, job)
}

// HandleGetBuildLogs returns the build log collected so far
func HandleGetBuildLogs(c echo.Context) error {
	jobID := c.Param("job_id")
	if _, err := jobstorage.ReadJob(jobID); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Job not found"})
	}

	data, err := os.ReadFile(jobstorage.GetJobLogPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return c.String(http.StatusOK, "")
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to read build log"})
	}
	return c.String(http.StatusOK, string(data))
}

// HandleWriteBuildLogs receives log lines from the worker over a websocket
// and appends them to the job's build log.
func HandleWriteBuildLogs(c echo.Context) error {
	jobID := c.Param("job_id")
	workerID := c.QueryParam("worker_id")

	job, err := jobstorage.ReadJob(jobID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Job not found"})
	}
	if job.WorkerID != workerID {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "Job is assigned to a different worker"})
	}

	websocket.Handler(func(ws *websocket.Conn) {
		defer ws.Close()

		logFile, err := os.OpenFile(jobstorage.GetJobLogPath(jobID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return
		}
		defer logFile.Close()

		for {
			var msg string
			if err := websocket.Message.Receive(ws, &msg); err != nil {
				// The worker closes the socket when the job is done
				return
			}
			if _, err := logFile.WriteString(msg); err != nil {
				return
			}
		}
	}).ServeHTTP(c.Response(), c.Request())
	return nil
}

// HandleUploadArtifact stores a finished artifact streamed by the worker
func HandleUploadArtifact(c echo.Context) error {
	jobID := c.Param("job_id")
	filename := filepath.Base(c.Param("filename"))
	workerID := c.QueryParam("worker_id")

	job, err := jobstorage.ReadJob(jobID)
	if err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Job not found"})
	}
	if job.WorkerID != workerID {
		return c.JSON(http.StatusForbidden, map[string]string{"error": "Job is assigned to a different worker"})
	}

	dir := jobstorage.GetJobArtifactsPath(jobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to create artifacts directory"})
	}

	out, err := os.Create(filepath.Join(dir, filename))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to create artifact file"})
	}
	defer out.Close()

	if _, err := io.Copy(out, c.Request().Body); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to write artifact"})
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// HandleGetArtifacts lists the artifacts a job produced
func HandleGetArtifacts(c echo.Context) error {
	jobID := c.Param("job_id")
	if _, err := jobstorage.ReadJob(jobID); err != nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Job not found"})
	}

	entries, err := os.ReadDir(jobstorage.GetJobArtifactsPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return c.JSON(http.StatusOK, []string{})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to list artifacts"})
	}

	artifacts := []string{}
	for _, entry := range entries {
		if !entry.IsDir() {
			artifacts = append(artifacts, entry.Name())
		}
	}
	return c.JSON(http.StatusOK, artifacts)
}
