package worker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/kairos-io/emberboot/internal/web"
	"github.com/kairos-io/emberboot/internal/web/jobstorage"
	"github.com/kairos-io/emberboot/internal/worker"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Worker", func() {
	var (
		w      *worker.Worker
		ctx    context.Context
		cancel context.CancelFunc
	)

	BeforeEach(func() {
		w = worker.NewWorker(serverURL, "test-worker")
		ctx, cancel = context.WithCancel(context.Background())
	})

	AfterEach(func() {
		cancel()
	})

	// waitForTerminalStatus waits for a job to reach a terminal state and returns the final status
	waitForTerminalStatus := func(jobID string) jobstorage.JobStatus {
		var finalStatus jobstorage.JobStatus
		Eventually(func() jobstorage.JobStatus {
			resp, err := http.Get(serverURL + "/api/v1/builds/" + jobID)
			if err != nil {
				return ""
			}
			defer resp.Body.Close()

			var job jobstorage.BuildJob
			err = json.NewDecoder(resp.Body).Decode(&job)
			if err != nil {
				return ""
			}

			if job.Status != jobstorage.JobStatusQueued &&
				job.Status != jobstorage.JobStatusAssigned &&
				job.Status != jobstorage.JobStatusRunning {
				finalStatus = job.Status
			}

			return job.Status
		}, 5*time.Minute, 1*time.Second).Should(Or(
			Equal(jobstorage.JobStatusComplete),
			Equal(jobstorage.JobStatusFailed),
		))

		return finalStatus
	}

	// We can't get a proper build in tests without pulling images,
	// so we test that the worker fails the build and reports it.
	It("processes jobs appropriately", func() {
		jobData := jobstorage.JobData{
			Image:      "invalid-image-that-does-not-exist",
			DiskFormat: "efi",
		}

		jsonData, err := json.Marshal(jobData)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.Post(serverURL+"/api/v1/builds", "application/json", bytes.NewBuffer(jsonData))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var response web.BuildResponse
		err = json.NewDecoder(resp.Body).Decode(&response)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(response.UUID).NotTo(BeEmpty())

		go func() {
			defer GinkgoRecover()
			w.Start(ctx)
		}()

		By("waiting for the job to reach a terminal state")
		finalStatus := waitForTerminalStatus(response.UUID)
		Expect(finalStatus).To(Equal(jobstorage.JobStatusFailed))

		By("checking the collected build log")
		resp, err = http.Get(serverURL + "/api/v1/builds/" + response.UUID + "/logs")
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		logs, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(logs)).To(ContainSubstring("Job " + response.UUID + " bound by worker test-worker"))
	})
})
