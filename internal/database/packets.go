package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrDuplicatePacket is returned by InsertPacket when a packet with the
// same (call_id, sequence) already exists. The ingestion coordinator
// absorbs it silently and still acknowledges the submitter.
var ErrDuplicatePacket = errors.New("duplicate packet")

// PacketRow is the input for inserting a packet.
type PacketRow struct {
	CallID    string
	Sequence  int
	Data      string
	Timestamp float64 // caller-supplied wall clock, unix seconds
}

// InsertPacket inserts a packet. The unique constraint on
// (call_id, sequence) surfaces as ErrDuplicatePacket.
func (db *DB) InsertPacket(ctx context.Context, tx pgx.Tx, row PacketRow) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := tx.Exec(ctx, `
		INSERT INTO call_packets (call_id, sequence, data, "timestamp")
		VALUES ($1, $2, $3, $4)
	`, row.CallID, row.Sequence, row.Data, row.Timestamp)
	if isUniqueViolation(err, "uq_call_packets_call_seq") {
		return ErrDuplicatePacket
	}
	if err != nil {
		return fmt.Errorf("insert packet: %w", err)
	}
	return nil
}

// AggregatePacketData concatenates packet payloads in sequence order.
// This is the view handed to the transcription client.
func (db *DB) AggregatePacketData(ctx context.Context, callID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var data string
	err := db.Pool.QueryRow(ctx, `
		SELECT COALESCE(string_agg(data, '' ORDER BY sequence), '')
		FROM call_packets
		WHERE call_id = $1
	`, callID).Scan(&data)
	if err != nil {
		return "", fmt.Errorf("aggregate packet data: %w", err)
	}
	return data, nil
}

// CountPackets returns the number of persisted packets for a call.
func (db *DB) CountPackets(ctx context.Context, callID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var n int
	err := db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM call_packets WHERE call_id = $1`, callID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count packets: %w", err)
	}
	return n, nil
}
