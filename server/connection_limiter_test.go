package server

import (
	"net"
	"testing"
)

func tcpAddr(ip string, port int) net.Addr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
}

func TestLimiterUnlimitedByDefault(t *testing.T) {
	cl := NewConnectionLimiter(0, 0, nil)
	for i := 0; i < 100; i++ {
		release, err := cl.Accept(tcpAddr("192.0.2.1", 1000+i))
		if err != nil {
			t.Fatalf("Unlimited limiter rejected connection %d: %v", i, err)
		}
		defer release()
	}
}

func TestLimiterTotalLimit(t *testing.T) {
	cl := NewConnectionLimiter(2, 0, nil)

	r1, err := cl.Accept(tcpAddr("192.0.2.1", 1001))
	if err != nil {
		t.Fatalf("First connection rejected: %v", err)
	}
	r2, err := cl.Accept(tcpAddr("192.0.2.2", 1002))
	if err != nil {
		t.Fatalf("Second connection rejected: %v", err)
	}

	if _, err := cl.Accept(tcpAddr("192.0.2.3", 1003)); err == nil {
		t.Fatal("Third connection should have been rejected")
	}

	r1()
	r3, err := cl.Accept(tcpAddr("192.0.2.3", 1003))
	if err != nil {
		t.Fatalf("Connection after release rejected: %v", err)
	}
	r3()
	r2()

	if got := cl.TotalConnections(); got != 0 {
		t.Errorf("Expected 0 connections after releases, got %d", got)
	}
}

func TestLimiterPerIPLimit(t *testing.T) {
	cl := NewConnectionLimiter(0, 1, nil)

	release, err := cl.Accept(tcpAddr("192.0.2.1", 1001))
	if err != nil {
		t.Fatalf("First connection rejected: %v", err)
	}

	if _, err := cl.Accept(tcpAddr("192.0.2.1", 1002)); err == nil {
		t.Fatal("Second connection from same IP should have been rejected")
	}

	// A different IP is unaffected.
	other, err := cl.Accept(tcpAddr("192.0.2.2", 1003))
	if err != nil {
		t.Fatalf("Connection from different IP rejected: %v", err)
	}
	other()

	release()
	again, err := cl.Accept(tcpAddr("192.0.2.1", 1004))
	if err != nil {
		t.Fatalf("Connection after release rejected: %v", err)
	}
	again()
}

func TestLimiterTrustedNetworkBypassesPerIP(t *testing.T) {
	cl := NewConnectionLimiter(0, 1, []string{"10.0.0.0/8"})

	var releases []func()
	for i := 0; i < 5; i++ {
		release, err := cl.Accept(tcpAddr("10.1.2.3", 1000+i))
		if err != nil {
			t.Fatalf("Trusted connection %d rejected: %v", i, err)
		}
		releases = append(releases, release)
	}
	for _, release := range releases {
		release()
	}
}

func TestLimiterReleaseIsIdempotent(t *testing.T) {
	cl := NewConnectionLimiter(10, 0, nil)

	release, err := cl.Accept(tcpAddr("192.0.2.1", 1001))
	if err != nil {
		t.Fatalf("Connection rejected: %v", err)
	}

	release()
	release() // second call must not drive the count negative

	if got := cl.TotalConnections(); got != 0 {
		t.Errorf("Expected 0 connections after double release, got %d", got)
	}
}
