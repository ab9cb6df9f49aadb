package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	pool, err := pgxpool.New(context.Background(), os.Getenv("DATABASE_URL"))
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	ctx := context.Background()

	if len(os.Args) > 1 && os.Args[1] == "states" {
		stateDistribution(ctx, pool)
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "stuck" {
		// A crash between claim and completion leaves calls parked in
		// PROCESSING_AI with no live worker. "stuck apply" requeues
		// them as FAILED so the next packet or trigger retries them.
		apply := len(os.Args) > 2 && os.Args[2] == "apply"
		requeueStuck(ctx, pool, apply)
		return
	}

	// Default: table counts
	tables := []string{"calls", "call_packets", "call_ai_results"}
	fmt.Println("Table                    Count")
	fmt.Println("─────────────────────────────────")
	for _, t := range tables {
		var count int64
		pool.QueryRow(ctx, "SELECT count(*) FROM "+t).Scan(&count)
		fmt.Printf("%-25s %d\n", t, count)
	}
}

func stateDistribution(ctx context.Context, pool *pgxpool.Pool) {
	fmt.Println("── Call State Distribution ──")
	rows, _ := pool.Query(ctx, `
		SELECT state, count(*)
		FROM calls
		GROUP BY state
		ORDER BY count(*) DESC
	`)
	defer rows.Close()
	for rows.Next() {
		var st string
		var count int
		rows.Scan(&st, &count)
		fmt.Printf("  %-15s %d\n", st, count)
	}

	fmt.Println("── AI Result Status ──")
	rows2, _ := pool.Query(ctx, `
		SELECT status, count(*), avg(retry_count)::numeric(10,2)
		FROM call_ai_results
		GROUP BY status
	`)
	defer rows2.Close()
	for rows2.Next() {
		var status string
		var count int
		var avgRetries float64
		rows2.Scan(&status, &count, &avgRetries)
		fmt.Printf("  %-12s %d (avg retries %.2f)\n", status, count, avgRetries)
	}
}

func requeueStuck(ctx context.Context, pool *pgxpool.Pool, apply bool) {
	rows, _ := pool.Query(ctx, `
		SELECT call_id, updated_at
		FROM calls
		WHERE state = 'PROCESSING_AI'
		  AND updated_at < now() - interval '10 minutes'
		ORDER BY updated_at
	`)
	defer rows.Close()

	var stuck []string
	for rows.Next() {
		var id string
		var updated any
		rows.Scan(&id, &updated)
		stuck = append(stuck, id)
		fmt.Printf("stuck: %s (last update %v)\n", id, updated)
	}
	if len(stuck) == 0 {
		fmt.Println("no stuck calls")
		return
	}
	if !apply {
		fmt.Printf("%d stuck call(s); rerun with 'stuck apply' to requeue\n", len(stuck))
		return
	}

	for _, id := range stuck {
		tag, err := pool.Exec(ctx, `
			UPDATE calls SET state = 'FAILED', updated_at = now()
			WHERE call_id = $1 AND state = 'PROCESSING_AI'
		`, id)
		if err != nil {
			fmt.Printf("requeue %s: %v\n", id, err)
			continue
		}
		if tag.RowsAffected() == 1 {
			fmt.Printf("requeued %s\n", id)
		}
	}
}
