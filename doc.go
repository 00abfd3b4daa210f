// Package offload runs functions in a supervised worker process and lets
// both sides call each other.
//
// # Architecture
//
// A host process creates a ParentWorker, which listens on a ZeroMQ DEALER
// socket and launches the worker program. The worker creates a ChildWorker,
// which dials back and announces itself with the spawn id it was given.
// Both sides run the same Engine: calls are Envelopes correlated by
// (message, id) and settle a Future when the matching reply arrives.
//
//   - Supervisor restarts the worker whenever it exits on its own, unless
//     its executable is missing
//   - LivenessMonitor makes a worker exit with OrphanExitCode once its
//     supervisor is gone
//   - Codec selects msgpack (default) or canonical CBOR on the wire
//
// # Quick Start
//
//	// In the worker program
//	func main() {
//	    cfg, _ := offload.LoadConfig()
//	    w, _ := offload.NewChildWorker(cfg, nil)
//	    offload.Handle(w.Engine(), "add", func(ctx context.Context, in AddArgs) (AddResult, error) {
//	        return AddResult{Sum: in.A + in.B}, nil
//	    })
//	    w.Run()
//	}
//
//	// In the host
//	pw, _ := offload.NewParentWorker(offload.ParentWorkerConfig{Runtime: "go", RuntimeArgs: []string{"run"}})
//	if err := pw.Start("./worker"); err != nil {
//	    log.Fatal(err)
//	}
//	defer pw.Close()
//
//	add := offload.Stub[AddArgs, AddResult](pw.Engine(), "add")
//	res, err := add(ctx, AddArgs{A: 2, B: 3})
//
// # Configuration
//
// LoadConfig reads OFFLOAD_* environment variables, optionally overlaid
// by a TOML file named in OFFLOAD_CONFIG_FILE. The supervisor sets the
// worker's OFFLOAD_WORKER_MODE, OFFLOAD_SPAWN_ID, OFFLOAD_SUPERVISOR_PID,
// OFFLOAD_HOST, OFFLOAD_PORT and OFFLOAD_CODEC.
package offload
