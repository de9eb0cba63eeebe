// Package staticd serves static content over HTTP from a single in-memory
// provider shared by any number of listeners. Content comes from a folder, a
// tar archive, an S3-compatible bucket, AWS S3, Azure Blob Storage, or from
// sources registered at runtime that are each served exactly once.
//
// # Running a server
//
//	cfg := staticd.Config{
//	    Listen: []string{":8080", ":8081"},
//	    Source: "tar:///srv/site.tar.gz",
//	}
//	srv, err := staticd.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("staticd: %v", err)
//	    }
//	}()
//	defer srv.Close()
//
// Every request is a GET for a path key. "/" and any key ending in "/" map to
// "index.html" below that path, and the query string is ignored. Blobs are
// answered with Content-Type, Content-Length and a strong ETag; unknown keys
// get an empty 404.
//
// # Serving once
//
// A once:// server holds no content up front. The host program parks readers
// under keys and each one is streamed to the first request that asks for it:
//
//	srv, stop, err := staticd.StartServer(ctx, staticd.Config{Source: "once://"})
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//	reg, _ := srv.Registrator()
//	_ = reg.RegisterFile(ctx, "/firmware.bin", "/tmp/firmware.bin")
//
// Streamed sources are read in fixed size chunks by a bounded worker pool and
// flushed to the client chunk by chunk. A source that fails part way aborts
// the connection so the client sees a truncated body rather than a silently
// short one.
//
// # More listeners
//
// Share binds one more listener over the same provider and pool. Closing the
// returned Worker stops only that listener.
//
//	w, err := srv.Share("127.0.0.1:9090")
//	if err != nil { log.Fatal(err) }
//	defer w.Close()
package staticd
