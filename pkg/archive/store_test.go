package archive_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/courtdesk/chatline/pkg/archive"
	"github.com/courtdesk/chatline/pkg/timeline"
)

const (
	contactA = "15550001111"
	contactB = "15550002222"
)

var archiveBase = time.Date(2026, 2, 3, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *archive.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.db")
	store, err := archive.NewStore(context.Background(), zerolog.Nop(), path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func archived(ref timeline.Ref, dir timeline.Direction, status timeline.Status, offset int) timeline.Message {
	return timeline.Message{
		Ref:       ref,
		Direction: dir,
		Body:      fmt.Sprintf("message %d", offset),
		Timestamp: archiveBase.Add(time.Duration(offset) * time.Minute),
		Status:    status,
	}
}

func mustRecord(t *testing.T, store *archive.Store, contact string, msg timeline.Message) {
	t.Helper()
	if err := store.Record(context.Background(), contact, msg); err != nil {
		t.Fatalf("Record(%s): %v", msg.Identity(), err)
	}
}

func TestRecordAndListRecent(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 3; i++ {
		ref := timeline.Ref{ServerID: fmt.Sprintf("srv-%d", i)}
		mustRecord(t, store, contactA, archived(ref, timeline.DirectionIncoming, timeline.StatusDelivered, i))
	}

	msgs, err := store.ListRecent(context.Background(), contactA, 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	for i, msg := range msgs {
		if msg.ServerID != fmt.Sprintf("srv-%d", i) {
			t.Errorf("message %d: got id %q, want srv-%d", i, msg.ServerID, i)
		}
		if want := archiveBase.Add(time.Duration(i) * time.Minute); !msg.Timestamp.Equal(want) {
			t.Errorf("message %d: got timestamp %v, want %v", i, msg.Timestamp, want)
		}
		if msg.Body != fmt.Sprintf("message %d", i) {
			t.Errorf("message %d: got body %q", i, msg.Body)
		}
		if msg.Status != timeline.StatusDelivered {
			t.Errorf("message %d: got status %q", i, msg.Status)
		}
	}

	// A short limit keeps the newest entries.
	msgs, err = store.ListRecent(context.Background(), contactA, 2)
	if err != nil {
		t.Fatalf("ListRecent limited: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ServerID != "srv-1" || msgs[1].ServerID != "srv-2" {
		t.Fatalf("limited list wrong: %+v", msgs)
	}
}

func TestRecordRekeysConfirmedMessage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Optimistic copy first, then the confirmed copy, then a fully merged
	// copy once the wire id is known.
	mustRecord(t, store, contactA, archived(timeline.Ref{TempID: "t-1"},
		timeline.DirectionOutgoing, timeline.StatusSending, 0))
	mustRecord(t, store, contactA, archived(timeline.Ref{TempID: "t-1", ServerID: "srv-1"},
		timeline.DirectionOutgoing, timeline.StatusSent, 0))
	mustRecord(t, store, contactA, archived(timeline.Ref{TempID: "t-1", ServerID: "srv-1", WireID: "w-1"},
		timeline.DirectionOutgoing, timeline.StatusDelivered, 0))

	msgs, err := store.ListRecent(ctx, contactA, 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d rows, want 1 after rekeying", len(msgs))
	}
	got := msgs[0]
	if got.TempID != "t-1" || got.ServerID != "srv-1" || got.WireID != "w-1" {
		t.Fatalf("identifiers lost: %+v", got.Ref)
	}
	if got.Status != timeline.StatusDelivered {
		t.Fatalf("got status %q, want delivered", got.Status)
	}
}

func TestRecordDoesNotWeakenIdentity(t *testing.T) {
	store := newTestStore(t)

	mustRecord(t, store, contactA, archived(timeline.Ref{TempID: "t-1", ServerID: "srv-1"},
		timeline.DirectionOutgoing, timeline.StatusSent, 0))
	// A later copy carrying only the temporary id must land on the same
	// row and keep its server identity.
	weak := archived(timeline.Ref{TempID: "t-1"}, timeline.DirectionOutgoing, timeline.StatusFailed, 0)
	weak.SendError = "gateway offline"
	mustRecord(t, store, contactA, weak)

	msgs, err := store.ListRecent(context.Background(), contactA, 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d rows, want 1", len(msgs))
	}
	if msgs[0].ServerID != "srv-1" {
		t.Fatalf("server id lost: %+v", msgs[0].Ref)
	}
	if msgs[0].Status != timeline.StatusFailed || msgs[0].SendError != "gateway offline" {
		t.Fatalf("failure not recorded: status=%q err=%q", msgs[0].Status, msgs[0].SendError)
	}
}

func TestRecordRejectsAnonymousMessage(t *testing.T) {
	store := newTestStore(t)
	msg := archived(timeline.Ref{}, timeline.DirectionIncoming, timeline.StatusDelivered, 0)
	if err := store.Record(context.Background(), contactA, msg); err == nil {
		t.Fatal("expected error for message without identifiers")
	}
	known := archived(timeline.Ref{ServerID: "srv-1"}, timeline.DirectionIncoming, timeline.StatusDelivered, 0)
	if err := store.Record(context.Background(), "", known); err == nil {
		t.Fatal("expected error for empty contact")
	}
}

func TestContacts(t *testing.T) {
	store := newTestStore(t)
	mustRecord(t, store, contactB, archived(timeline.Ref{ServerID: "srv-b"},
		timeline.DirectionIncoming, timeline.StatusDelivered, 0))
	mustRecord(t, store, contactA, archived(timeline.Ref{ServerID: "srv-a"},
		timeline.DirectionIncoming, timeline.StatusDelivered, 1))

	contacts, err := store.Contacts(context.Background())
	if err != nil {
		t.Fatalf("Contacts: %v", err)
	}
	if len(contacts) != 2 || contacts[0] != contactA || contacts[1] != contactB {
		t.Fatalf("got contacts %v", contacts)
	}
}

func TestExportJSONL(t *testing.T) {
	store := newTestStore(t)
	mustRecord(t, store, contactA, archived(timeline.Ref{ServerID: "srv-1"},
		timeline.DirectionIncoming, timeline.StatusDelivered, 0))
	mustRecord(t, store, contactA, archived(timeline.Ref{ServerID: "srv-2"},
		timeline.DirectionOutgoing, timeline.StatusRead, 1))
	mustRecord(t, store, contactB, archived(timeline.Ref{ServerID: "srv-3"},
		timeline.DirectionIncoming, timeline.StatusDelivered, 2))

	var buf bytes.Buffer
	count, err := store.ExportJSONL(context.Background(), "", &buf)
	if err != nil {
		t.Fatalf("ExportJSONL: %v", err)
	}
	if count != 3 {
		t.Fatalf("got count %d, want 3", count)
	}

	type line struct {
		Contact  string `json:"contact"`
		ServerID string `json:"serverId"`
		Status   string `json:"status"`
	}
	var lines []line
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var l line
		if err := json.Unmarshal(scanner.Bytes(), &l); err != nil {
			t.Fatalf("bad export line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, l)
	}
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	wantIDs := []string{"srv-1", "srv-2", "srv-3"}
	for i, l := range lines {
		if l.ServerID != wantIDs[i] {
			t.Errorf("line %d: got id %q, want %q", i, l.ServerID, wantIDs[i])
		}
	}
	if lines[0].Contact != contactA || lines[2].Contact != contactB {
		t.Errorf("contacts out of order: %+v", lines)
	}

	buf.Reset()
	count, err = store.ExportJSONL(context.Background(), contactB, &buf)
	if err != nil {
		t.Fatalf("ExportJSONL(contactB): %v", err)
	}
	if count != 1 {
		t.Fatalf("got count %d, want 1", count)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	ctx := context.Background()

	store, err := archive.NewStore(ctx, zerolog.Nop(), path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	mustRecord(t, store, contactA, archived(timeline.Ref{ServerID: "srv-1"},
		timeline.DirectionIncoming, timeline.StatusDelivered, 0))
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store, err = archive.NewStore(ctx, zerolog.Nop(), path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	msgs, err := store.ListRecent(ctx, contactA, 10)
	if err != nil {
		t.Fatalf("ListRecent after reopen: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ServerID != "srv-1" {
		t.Fatalf("data lost across reopen: %+v", msgs)
	}
}

func TestListRecentUnknownContact(t *testing.T) {
	store := newTestStore(t)
	msgs, err := store.ListRecent(context.Background(), "19990000000", 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("got %d messages for unknown contact", len(msgs))
	}
}
