// Package activitydb records instrument sessions and notable events in a
// ClickHouse database. A Logger degrades to a no-op when the database is
// unreachable, so the instrument never depends on it.
package activitydb

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "epscope" // official SQL name of the database

// SessionMessage is the information for the epscopesessions table, one row
// per daemon run.
type SessionMessage struct {
	ID        string
	Hostname  string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
}

// EventMessage is one row of the epscopeevents table.
type EventMessage struct {
	SessionID string
	Kind      string
	Detail    string
	At        time.Time
}

// Logger owns the database connection and serializes all inserts on one
// goroutine. The zero-value (Disabled) Logger accepts every call and does
// nothing.
type Logger struct {
	conn    clickhouse.Conn
	err     error
	session SessionMessage
	events  chan *EventMessage
	abort   chan struct{}
	sync.WaitGroup
}

// Disabled returns a Logger that drops everything.
func Disabled() *Logger {
	return &Logger{}
}

// IsConnected reports whether inserts can reach the server.
func (l *Logger) IsConnected() bool {
	return (l != nil) && (l.conn != nil) && (l.err == nil)
}

// Start connects to the local ClickHouse server with credentials from the
// EPSCOPE_DB_USER and EPSCOPE_DB_PASSWORD environment variables, records
// the session row, and launches the insert goroutine. On any failure it
// returns a disabled Logger and the error; the caller may keep using it.
func Start(id, version string, start time.Time) (*Logger, error) {
	hostname, _ := os.Hostname()
	l := &Logger{
		session: SessionMessage{
			ID:        id,
			Hostname:  hostname,
			Version:   version,
			GoVersion: runtime.Version(),
			CPUs:      runtime.NumCPU(),
			Start:     start,
		},
	}

	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("EPSCOPE_DB_USER"),
		Password: os.Getenv("EPSCOPE_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "epscope", Version: version},
		},
	}
	opt := clickhouse.Options{
		Addr:       []string{"localhost:9000"},
		Auth:       auth,
		ClientInfo: client,
		TLS:        nil,
	}
	ctx := context.Background()
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		l.err = err
		return l, err
	}
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			err = fmt.Errorf("clickhouse exception [%d] %s", exception.Code, exception.Message)
		}
		l.err = err
		return l, err
	}

	l.conn = conn
	l.events = make(chan *EventMessage, 32)
	l.abort = make(chan struct{})
	l.logSession()
	l.Add(1)
	go l.handleInserts()
	return l, nil
}

func (l *Logger) logSession() {
	ctx := context.Background()
	const nowait = false
	s := l.session
	formattedStart := s.Start.Format("2006-01-02 15:04:05.000000")
	if err := l.conn.AsyncInsert(ctx, `INSERT INTO epscopesessions VALUES (?, ?, ?, ?, ?, ?)`, nowait,
		s.ID, s.Hostname, s.Version, s.GoVersion, s.CPUs, formattedStart,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into epscopesessions ", err)
		l.err = err
	}
}

// LogEvent queues one event row. Never blocks; drops when the insert
// goroutine is behind or the Logger is disabled.
func (l *Logger) LogEvent(kind, detail string) {
	if !l.IsConnected() {
		return
	}
	msg := &EventMessage{
		SessionID: l.session.ID,
		Kind:      kind,
		Detail:    detail,
		At:        time.Now(),
	}
	select {
	case l.events <- msg:
	default:
	}
}

func (l *Logger) handleInserts() {
	defer l.Done()
	for {
		select {
		case <-l.abort:
			return
		case msg := <-l.events:
			l.insertEvent(msg)
		}
	}
}

func (l *Logger) insertEvent(msg *EventMessage) {
	ctx := context.Background()
	const nowait = false
	formattedAt := msg.At.Format("2006-01-02 15:04:05.000000")
	if err := l.conn.AsyncInsert(ctx, `INSERT INTO epscopeevents VALUES (?, ?, ?, ?)`, nowait,
		msg.SessionID, msg.Kind, msg.Detail, formattedAt,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into epscopeevents ", err)
		l.err = err
	}
}

// Close stops the insert goroutine and closes the connection.
func (l *Logger) Close() {
	if !l.IsConnected() {
		return
	}
	close(l.abort)
	l.Wait()
	l.conn.Close()
	l.conn = nil
}
