package rpc

import (
	"encoding/json"

	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/Juanbuhler/zmlp-sub000/pipeline"
)

// Empty is the reply of calls that return nothing.
type Empty = emptypb.Empty

// TaskStart is everything an analyst needs to run a task.
// ID is 0 for an interactive task.
type TaskStart struct {
	ID       int64             `json:"id"`
	JobID    int64             `json:"jobId"`
	ParentID int64             `json:"parentId,omitempty"`
	Name     string            `json:"name"`
	Script   json.RawMessage   `json:"script,omitempty"`
	Args     map[string]any    `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	LogPath  string            `json:"logPath"`
	WorkDir  string            `json:"workDir"`
	// ScriptPath is set when the script is already on shared storage.
	ScriptPath string `json:"scriptPath,omitempty"`
	SharedDir  string `json:"sharedDir,omitempty"`
}

// TaskKill asks an analyst to stop a task.
type TaskKill struct {
	ID     int64  `json:"id"`
	Reason string `json:"reason"`
	User   string `json:"user"`
}

// TaskStop is the end of a task run.
type TaskStop struct {
	ExitStatus int  `json:"exitStatus"`
	Killed     bool `json:"killed,omitempty"`
	// Aborted is set when the analyst could not set the task up,
	// so its script never ran.
	Aborted    bool `json:"aborted,omitempty"`
}

// TaskResult is the outcome of an interactive task.
type TaskResult struct {
	JobID      int64                      `json:"jobId"`
	ExitStatus int                        `json:"exitStatus"`
	Errors     []pipeline.ProcessingError `json:"errors,omitempty"`
	Response   json.RawMessage            `json:"response,omitempty"`
	Aborted    bool                       `json:"aborted,omitempty"`
}

// QueueRequest asks for up to Count waiting tasks for the analyst at URL.
type QueueRequest struct {
	URL   string `json:"url"`
	Count int    `json:"count"`
}

type QueueResponse struct {
	Tasks []*TaskStart `json:"tasks"`
}

type TaskStarted struct {
	ID   int64  `json:"id"`
	Host string `json:"host"`
}

type TaskStopped struct {
	ID   int64    `json:"id"`
	Host string   `json:"host"`
	Stop TaskStop `json:"stop"`
}

type TaskErrors struct {
	ID     int64                      `json:"id"`
	Host   string                     `json:"host"`
	Errors []pipeline.ProcessingError `json:"errors"`
}

type TaskStats struct {
	ID    int64          `json:"id"`
	Host  string         `json:"host"`
	Stats pipeline.Stats `json:"stats"`
}

// Expand asks for a child task of the task running Script.
type Expand struct {
	Name   string          `json:"name"`
	Script json.RawMessage `json:"script"`
}

type ExpandRequest struct {
	ID     int64  `json:"id"`
	Host   string `json:"host"`
	Expand Expand `json:"expand"`
}

type ExpandResponse struct {
	TaskID int64 `json:"taskId"`
}

// PingRequest registers an analyst or keeps it alive.
type PingRequest struct {
	URL       string  `json:"url"`
	QueueSize int     `json:"queueSize"`
	Threads   int     `json:"threads"`
	OS        string  `json:"os"`
	Arch      string  `json:"arch"`
	Version   string  `json:"version,omitempty"`
	TaskIDs   []int64 `json:"taskIds,omitempty"`
}

type PingResponse struct {
	AnalystID string `json:"analystId"`
}

// Admin messages carry jobs and tasks as json documents,
// in the form the coordinator stores them.

type SubmitJobRequest struct {
	Spec json.RawMessage `json:"spec"`
}

type JobRequest struct {
	ID   int64  `json:"id"`
	User string `json:"user,omitempty"`
}

type JobResponse struct {
	Job json.RawMessage `json:"job"`
}

type ListJobsRequest struct {
	State string `json:"state,omitempty"`
	User  string `json:"user,omitempty"`
}

type ListJobsResponse struct {
	Jobs []json.RawMessage `json:"jobs"`
}

type ListTasksRequest struct {
	JobID  int64    `json:"jobId"`
	States []string `json:"states,omitempty"`
}

type ListTasksResponse struct {
	Tasks []json.RawMessage `json:"tasks"`
}

type TaskRequest struct {
	ID   int64  `json:"id"`
	User string `json:"user,omitempty"`
}

type ListTaskErrorsRequest struct {
	JobID  int64 `json:"jobId"`
	TaskID int64 `json:"taskId,omitempty"`
}

type ListTaskErrorsResponse struct {
	Errors []json.RawMessage `json:"errors"`
}

type ExecuteRequest struct {
	Spec json.RawMessage `json:"spec"`
}

type ExecuteResponse struct {
	Result TaskResult `json:"result"`
}
