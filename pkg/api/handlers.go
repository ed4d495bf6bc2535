package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wavefix/wavefix/pkg/ingest"
	"github.com/wavefix/wavefix/pkg/review"
	"github.com/wavefix/wavefix/pkg/runner"
	"github.com/wavefix/wavefix/pkg/state"
)

const (
	maxUploadBytes  = 10 << 20 // 10 MB
	defaultWaveSize = 5
)

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// handleListRuns returns the run index, newest last. A missing index reads
// as an empty array.
func (s *Server) handleListRuns(c *gin.Context) {
	entries, err := s.store.ReadIndex()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

// handleGetRun returns one full BatchRun. The id charset is validated
// before any filesystem access.
func (s *Server) handleGetRun(c *gin.Context) {
	runID := c.Param("id")
	if !runIDPattern.MatchString(runID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}
	run, err := s.store.ReadRunState(runID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

// handleCreateRun accepts a findings CSV upload, validates it, persists it
// under the new run's directory and spawns the run supervisor as a
// detached process.
func (s *Server) handleCreateRun(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing csv upload (field 'file')"})
		return
	}
	if fileHeader.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload exceeds 10 MB"})
		return
	}

	waveSize := defaultWaveSize
	if raw := c.PostForm("wave_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "wave_size must be between 1 and 100"})
			return
		}
		waveSize = n
	}
	mode := c.DefaultPostForm("mode", "mock")
	switch mode {
	case "mock", "live", "hybrid":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be mock, live or hybrid"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read upload"})
		return
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read upload"})
		return
	}

	// Validate before touching disk: required columns and row budget.
	if _, err := ingest.ParseCSV(bytes.NewReader(content)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	runID := runner.NewRunID()
	runDir := filepath.Join(s.cfg.RunsDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	csvPath := filepath.Join(runDir, "findings.csv")
	if err := os.WriteFile(csvPath, content, 0o644); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := runner.WriteBootstrap(s.cfg.RunsDir, runID, runner.BootstrapStarting, 0, ""); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	pid, err := s.spawnRun(runID, csvPath, fileHeader.Filename, waveSize, mode)
	if err != nil {
		_ = runner.WriteBootstrap(s.cfg.RunsDir, runID, runner.BootstrapFailedToSpawn, 0, err.Error())
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not spawn run: " + err.Error()})
		return
	}
	if err := runner.WritePIDFile(s.cfg.RunsDir, runID, pid); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"run_id": runID, "status": "started"})
}

// spawnRun starts the supervisor as a detached child of init, logging to
// the run directory.
func (s *Server) spawnRun(runID, csvPath, csvName string, waveSize int, mode string) (int, error) {
	self, err := os.Executable()
	if err != nil {
		return 0, err
	}

	logPath := filepath.Join(s.cfg.RunsDir, runID, "run.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, err
	}
	defer logFile.Close()

	cmd := exec.Command(self, "run", csvPath,
		"--run-id", runID,
		"--csv-name", csvName,
		"--wave-size", strconv.Itoa(waveSize),
		"--mode", mode,
	)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// Reap the child when it exits; the run outlives this request.
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

// reviewBody is the JSON body of POST /sessions/:id/review. Reviewer
// identity comes from the auth context, never the body.
type reviewBody struct {
	Action string `json:"action"`
	Reason string `json:"reason"`
	RunID  string `json:"run_id"`
}

func (s *Server) handleReview(c *gin.Context) {
	var body reviewBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed json body"})
		return
	}

	sess, err := s.reviewer.Apply(review.Request{
		RunID:     body.RunID,
		SessionID: c.Param("id"),
		Action:    body.Action,
		Reason:    body.Reason,
		Reviewer:  c.GetString("reviewer"),
	})
	switch {
	case err == nil:
		c.JSON(http.StatusOK, sess)
	case errors.Is(err, review.ErrInvalidRunID), errors.Is(err, review.ErrInvalidAction):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, review.ErrRunNotFound), errors.Is(err, review.ErrSessionUnknown):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, state.ErrLockTimeout):
		c.JSON(http.StatusConflict, gin.H{"error": "run state is busy, retry shortly"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// latestRun loads the newest run from the index.
func (s *Server) latestRun(c *gin.Context) (runID string, ok bool) {
	entries, err := s.store.ReadIndex()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return "", false
	}
	if len(entries) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no runs found"})
		return "", false
	}
	return entries[len(entries)-1].RunID, true
}

func (s *Server) handleEval(c *gin.Context) {
	runID, ok := s.latestRun(c)
	if !ok {
		return
	}
	run, err := s.store.ReadRunState(runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run_id":     run.RunID,
		"categories": EvaluateRun(run),
	})
}

func (s *Server) handleOps(c *gin.Context) {
	runID, ok := s.latestRun(c)
	if !ok {
		return
	}
	run, err := s.store.ReadRunState(runID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	ops := ComputeOps(run, s.cfg.MaxACUPerSession, time.Now().UTC())
	c.JSON(http.StatusOK, gin.H{
		"run_id":  run.RunID,
		"metrics": ops,
	})
}

// handleLegacyStatus serves the legacy top-level state.json view. Kept for
// old dashboards; responses carry a deprecation header.
func (s *Server) handleLegacyStatus(c *gin.Context) {
	c.Header("Deprecation", "true")
	c.Header("Link", "</runs>; rel=\"successor-version\"")

	data, err := os.ReadFile(s.cfg.StateFilePath)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active run"})
		return
	}
	var payload json.RawMessage = data
	c.JSON(http.StatusOK, payload)
}
