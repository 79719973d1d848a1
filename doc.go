// Package xatm embeds an XA style transaction manager: it coordinates
// two-phase commit between the application processes that own distributed
// transactions and the resource managers taking part in them.
//
// # Running a server
//
// The server listens on Config.ListenProto (default tcp) and Config.Listen.
// Its HTTP API accepts HTTP/1.1 and cleartext HTTP/2.
//
//	cfg := xatm.Config{
//	    Listen:       ":7420",
//	    Log:          "disk:///var/lib/xatm/log",
//	    ResourceFile: "/etc/xatm/resources.yaml",
//	}
//	srv, err := xatm.NewServer(cfg, xatm.WithLogger(logger))
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("xatm: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// StartServer does the same in one call and waits until the listener is up.
//
// # Transaction log
//
// Commit decisions are made durable before any resource is told to commit.
// Config.Log selects the backend:
//
//   - mem:// keeps the log in memory (tests and throwaway setups)
//   - disk:///path writes segment files with fsync
//   - s3://host[:port]/bucket[/prefix] stores batches in S3 or MinIO
//   - azure://account/container[/prefix] stores batches in Azure Blob Storage
//
// On start the manager replays the log and finishes every transaction that
// was prepared or committed when the previous process stopped.
//
// # Resource instances
//
// Resources are declared in a YAML file (see internal/config) or in
// Config.Resources. Each resource instance connects with POST
// /v1/resource/connect giving the endpoint the manager posts prepare, commit
// and rollback requests to ({endpoint}/xa/{kind}). Instances either answer
// in the response body or accept the request and report later through POST
// /v1/resource/reply.
//
// With Config.WatchResources the resource file is reloaded on change and the
// instance pool is scaled to the new configuration.
package xatm
