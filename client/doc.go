// Package client is the Go SDK for the voicelease HTTP API, plus the queue
// poller that waits for a free slot on behalf of a voice client.
//
// # Quick start
//
//	cli, err := client.New("http://127.0.0.1:8787")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	out, err := cli.Claim(ctx, "alice")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !out.Granted {
//	    fmt.Println(out.Queued.Message)
//	    return
//	}
//	defer cli.Release(context.Background(), out.Lease.LeaseID, api.ReasonUserDisconnect)
//
// # Waiting for a slot
//
// The wait queue is advisory: a release never hands the slot to anyone.
// Poller watches /stats, waits for the slot to settle once it looks free,
// re-checks once and then claims. Losing the race puts it back into the
// queued state.
//
//	p, err := client.NewPoller(cli, "alice",
//	    client.WithOnGranted(func(lease api.ClaimResponse) { startMedia(lease) }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if _, err := p.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Disconnect(context.Background(), api.ReasonUserDisconnect)
package client
