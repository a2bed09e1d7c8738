package web

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/kairos-io/emberboot/internal/web/jobstorage"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/net/websocket"
)

var mu sync.Mutex
var artifactDir string

type AppConfig struct {
	EnableLogger bool
	ListenAddr   string
	OutDir       string
	BuildsDir    string
}

// App starts the build service: a JSON API workers poll jobs from, websocket
// log streaming and static serving of the finished artifacts.
func App(config AppConfig) error {
	artifactDir = config.OutDir
	jobstorage.BuildsDir = config.BuildsDir
	e := echo.New()
	e.HideBanner = true

	if config.EnableLogger {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	os.MkdirAll(artifactDir, os.ModePerm)
	os.MkdirAll(jobstorage.BuildsDir, os.ModePerm)

	// Handle form submission
	e.POST("/start", buildHandler)

	// Handle WebSocket connection
	e.GET("/ws/:uuid", webSocketHandler)

	// API routes
	api := e.Group("/api/v1")
	api.GET("/builds", HandleListBuilds)
	api.POST("/builds", HandleQueueBuild)
	api.POST("/builds/bind", HandleBindBuildJob)
	api.PUT("/builds/:job_id/status", HandleUpdateJobStatus)
	api.GET("/builds/:job_id", HandleGetBuild)
	api.GET("/builds/:job_id/logs", HandleGetBuildLogs)
	api.GET("/builds/:job_id/logs/write", HandleWriteBuildLogs)
	api.POST("/builds/:job_id/artifacts/:filename", HandleUploadArtifact)
	api.GET("/builds/:job_id/artifacts", HandleGetArtifacts)

	// Serve static artifact files
	e.Static("/artifacts", artifactDir)
	e.Static("/builds", jobstorage.BuildsDir)

	return e.Start(config.ListenAddr)
}

// buildHandler queues a build out of a plain form post, the curl friendly
// counterpart of the JSON API.
func buildHandler(c echo.Context) error {
	mu.Lock()
	defer mu.Unlock()

	job := jobstorage.BuildJob{
		JobData: jobstorage.JobData{
			Image:       c.FormValue("image"),
			CloudConfig: c.FormValue("cloud_config"),
			DiskFormat:  c.FormValue("disk_format"),
			DiskSize:    c.FormValue("disk_size"),
			Bundle:      c.FormValue("bundle") == "true",
			OCI:         c.FormValue("oci"),
		},
		Status:    jobstorage.JobStatusQueued,
		CreatedAt: time.Now().Format(time.RFC3339),
		UpdatedAt: time.Now().Format(time.RFC3339),
	}

	if job.Image == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "image is required"})
	}

	id, err := uuid.NewV4()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to generate UUID"})
	}

	jobPath := jobstorage.GetJobPath(id.String())
	if err := os.MkdirAll(jobPath, 0755); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to create job directory"})
	}

	if err := jobstorage.WriteJob(id.String(), job); err != nil {
		os.RemoveAll(jobPath) // Clean up on error
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to write job metadata"})
	}

	return c.JSON(http.StatusOK, map[string]string{"uuid": id.String()})
}

func webSocketHandler(c echo.Context) error {
	websocket.Handler(func(ws *websocket.Conn) {
		uuid := c.Param("uuid")
		_, err := jobstorage.ReadJob(uuid)
		if err != nil {
			websocket.Message.Send(ws, "Job not found")
			return
		}

		defer func() {
			websocket.Message.Send(ws, "Connection closing...")
			time.Sleep(1 * time.Second) // Give time for the final message to be sent
			ws.Close()
		}()

		buildLogPath := jobstorage.GetJobLogPath(uuid)

		if _, err := os.Stat(buildLogPath); os.IsNotExist(err) {
			websocket.Message.Send(ws, "Waiting for worker to pick up the job...")

			// Wait for the file to appear
			for {
				time.Sleep(1 * time.Second)
				if _, err := os.Stat(buildLogPath); err == nil {
					break
				}
			}
		}

		file, err := os.Open(buildLogPath)
		if err != nil {
			websocket.Message.Send(ws, fmt.Sprintf("Failed to open build log: %v", err))
			return
		}
		defer file.Close()

		buf := make([]byte, 1024)
		for {
			job, err := jobstorage.ReadJob(uuid)
			if err != nil {
				websocket.Message.Send(ws, fmt.Sprintf("Error reading job status: %v", err))
				return
			}

			// Terminal states close the connection, the defer sends the
			// closing message first
			if job.Status == jobstorage.JobStatusComplete || job.Status == jobstorage.JobStatusFailed {
				return
			}

			n, err := file.Read(buf)
			if err != nil && err != io.EOF {
				websocket.Message.Send(ws, fmt.Sprintf("Error reading log file: %v", err))
				return
			}
			if n > 0 {
				if err := websocket.Message.Send(ws, string(buf[:n])); err != nil {
					return
				}
			}
			time.Sleep(100 * time.Millisecond)
		}
	}).ServeHTTP(c.Response(), c.Request())
	return nil
}
