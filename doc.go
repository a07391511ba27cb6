// Package voicelease runs the session admission service for a voice chat
// client. Only a fixed number of users (one by default) may hold a live
// voice session at a time; everyone else gets an advisory queue position
// and polls until the slot frees up.
//
// # Running a server
//
//	cfg := voicelease.Config{
//	    Listen:     ":8787",
//	    AdminToken: "s3cret",
//	}
//	srv, err := voicelease.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("voicelease: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// StartServer does the same in the background and returns once the
// listener is bound:
//
//	srv, stop, err := voicelease.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
//	log.Printf("listening on %s", srv.ListenerAddr())
//
// # Leases
//
// A granted claim returns a lease that expires after Config.LeaseDuration
// (five minutes by default). Warnings are pushed to the holder three, two
// and one minute before expiry and once more thirty seconds before the
// end. A released user is held in a short cooldown so a reconnecting tab
// cannot immediately reclaim the slot.
//
// # Events
//
// Lifecycle events stream to browsers over the /events websocket and, when
// configured, to NATS subjects and a Redis channel. Config.LogEvents mirrors
// them into the server log.
//
// # Tests
//
// NewTestServer starts a loopback server with a ready client:
//
//	ts := voicelease.NewTestServerT(t, voicelease.WithTestAdminToken("s3cret"))
//	out, err := ts.Client.Claim(ctx, "alice")
package voicelease
