// Package lib embeds the sandbox orchestrator in a Go application.
//
// It runs the same services as the sbxd daemon in process: message delivery
// from sandboxes, agent task runs, rollback and batch file operations. It is
// useful to drive the orchestrator from tools and tests without the HTTP API.
//
// # Quick Start
//
// Create a client, register the application records and run a task:
//
//	client, err := lib.New(ctx, lib.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.RegisterProject(ctx, lib.Project{ID: "p1", OwnerID: "u1", WorkDir: "/work/p1"})
//	client.RegisterTopic(ctx, lib.Topic{ID: "t1", ProjectID: "p1", UserID: "u1"})
//
//	task, _ := client.StartTask(ctx, lib.StartTaskOpts{
//	    TopicID:   "t1",
//	    UserID:    "u1",
//	    Prompt:    "write a report",
//	    FirstTask: true,
//	})
//	task, _ = client.WaitTask(ctx, task.ID)
//
// # Engines
//
//   - [EngineDocker]: Sandboxes are Docker containers running the agent image.
//   - [EngineFake]: In-memory sandboxes with a well behaved agent. No
//     infrastructure is needed, use it for tests.
//
// # Files
//
// Files uploaded with [Client.UploadFile] live on the local object store of
// the data directory. Moving, copying or deleting a directory runs as a batch
// in the background, follow it with [Client.BatchStatus]:
//
//	sub, _ := client.SubmitBatch(ctx, lib.BatchOpts{
//	    Operation:   lib.BatchOperationDelete,
//	    RequesterID: "u1",
//	    FileID:      "dir-1",
//	})
//	st, _ := client.BatchStatus(ctx, sub.BatchKey, "u1")
//
// # Error Handling
//
// All methods return errors that can be inspected with [errors.Is]:
//
//   - [ErrNotFound]: Resource does not exist.
//   - [ErrAlreadyExists]: Resource with the same ID already exists.
//   - [ErrNotValid]: Invalid input or operation.
//   - [ErrForbidden]: The user does not own the resource.
//   - [ErrBusy]: The resource is locked by another operation.
//   - [ErrRemote]: The sandbox rejected the request.
//
// # Testing
//
// Use [EngineFake] with [StorageMemory] to write tests without a database:
//
//	client, _ := lib.New(ctx, lib.Config{
//	    DataDir: t.TempDir(),
//	    Engine:  lib.EngineFake,
//	    Storage: lib.StorageMemory,
//	})
//	defer client.Close()
//
// # Thread Safety
//
// A [Client] is safe for concurrent use from multiple goroutines.
package lib
