package jobstorage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// BuildsDir is the directory where all build jobs are stored
var BuildsDir string

// jobMutex protects concurrent access to job operations
var jobMutex sync.Mutex

// GetJobPath returns the path to a job's directory
func GetJobPath(jobID string) string {
	return filepath.Join(BuildsDir, jobID)
}

// GetJobMetadataPath returns the path to a job's metadata file
func GetJobMetadataPath(jobID string) string {
	return filepath.Join(GetJobPath(jobID), "job.json")
}

// GetJobLogPath returns the path to a job's log file
func GetJobLogPath(jobID string) string {
	return filepath.Join(GetJobPath(jobID), "build.log")
}

// GetJobArtifactsPath returns the directory a job's finished artifacts land in
func GetJobArtifactsPath(jobID string) string {
	return filepath.Join(GetJobPath(jobID), "artifacts")
}

// BuildJob represents a payload build job in the system
type BuildJob struct {
	JobData
	Status    JobStatus `json:"status"`
	CreatedAt string    `json:"created_at"`
	UpdatedAt string    `json:"updated_at"`
	WorkerID  string    `json:"worker_id,omitempty"`
}

// JobData contains the build configuration: the rootfs source and which
// artifacts to produce out of the boot payload.
type JobData struct {
	// Image is the container image the rootfs is dumped from
	Image string `json:"image"`
	// CloudConfig lands in the OEM partition of generated disks
	CloudConfig string `json:"cloud_config"`
	// DiskFormat is efi, bios, vhd or gce. Empty builds the payload only.
	DiskFormat string `json:"disk_format"`
	// DiskSize in MB, empty picks the size from the rootfs
	DiskSize string `json:"disk_size"`
	// Bundle also packages the payload dir as a tar.gz
	Bundle bool `json:"bundle"`
	// OCI wraps the payload bundle into an OCI image with the given reference
	OCI string `json:"oci"`
}

// JobStatus represents the current status of a build job
type JobStatus string

const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusAssigned JobStatus = "assigned"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusFailed   JobStatus = "failed"
)

// ReadJob reads a job's metadata from the filesystem
func ReadJob(jobID string) (BuildJob, error) {
	var job BuildJob
	data, err := os.ReadFile(GetJobMetadataPath(jobID))
	if err != nil {
		return job, err
	}
	err = json.Unmarshal(data, &job)
	return job, err
}

// WriteJob writes a job's metadata to the filesystem
func WriteJob(jobID string, job BuildJob) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(GetJobMetadataPath(jobID), data, 0644)
}

// UpdateJobStatus moves a job to the given status and bumps the timestamp
func UpdateJobStatus(jobID string, status JobStatus) error {
	jobMutex.Lock()
	defer jobMutex.Unlock()

	job, err := ReadJob(jobID)
	if err != nil {
		return err
	}
	job.Status = status
	job.UpdatedAt = time.Now().Format(time.RFC3339)
	return WriteJob(jobID, job)
}

// IsValidStatusTransition checks if a status transition is valid
func IsValidStatusTransition(current, next JobStatus) bool {
	switch current {
	case JobStatusQueued:
		return next == JobStatusAssigned
	case JobStatusAssigned:
		return next == JobStatusRunning
	case JobStatusRunning:
		return next == JobStatusComplete || next == JobStatusFailed
	default:
		return false
	}
}

// BindNextAvailableJob attempts to bind the next available queued job to a worker.
// Returns the job ID and job data if successful, or empty values if no job is available.
func BindNextAvailableJob(workerID string) (string, BuildJob, error) {
	jobMutex.Lock()
	defer jobMutex.Unlock()

	entries, err := os.ReadDir(BuildsDir)
	if err != nil {
		return "", BuildJob{}, err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		jobID := entry.Name()
		job, err := ReadJob(jobID)
		if err != nil {
			continue
		}

		if job.Status == JobStatusQueued {
			job.Status = JobStatusAssigned
			job.WorkerID = workerID
			job.UpdatedAt = time.Now().Format(time.RFC3339)

			if err := WriteJob(jobID, job); err != nil {
				return "", BuildJob{}, err
			}

			return jobID, job, nil
		}
	}

	return "", BuildJob{}, nil
}
