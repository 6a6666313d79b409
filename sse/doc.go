// Package sse streams a pipeline Flow to an HTTP client as Server-Sent
// Events.
//
// Items are requested from the flow only as fast as they are written and
// flushed to the client, so a slow connection slows its own subscription
// and nothing else. Sharing one upstream among many clients is done with a
// pipeline.Hub.
//
// # Usage
//
//	hub := pipeline.NewHub(quotes, pipeline.Replay(16))
//	router.GET("/quotes", sse.Handler(hub.Flow(), sse.WithWindow(8)))
package sse
