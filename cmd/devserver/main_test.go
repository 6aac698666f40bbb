package main

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"
)

func TestRunServerStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen err: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv := &http.Server{Addr: addr, Handler: http.NotFoundHandler()}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServer(ctx, srv) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runServer err: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runServer did not return after cancel")
	}
}

func TestRootCmdFlags(t *testing.T) {
	cmd := buildRootCmd()
	if err := cmd.ParseFlags([]string{"--addr", ":9999", "--room", "Lobby"}); err != nil {
		t.Fatalf("ParseFlags err: %v", err)
	}
	rooms, err := cmd.Flags().GetStringSlice("room")
	if err != nil {
		t.Fatalf("GetStringSlice err: %v", err)
	}
	if len(rooms) != 1 || rooms[0] != "Lobby" {
		t.Fatalf("unexpected rooms %v", rooms)
	}
}
