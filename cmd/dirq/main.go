// Command dirq is a small driver for directory queues: it adds, lists,
// drains, counts and purges elements, which is handy for poking at a queue
// shared with other programs.
//
// Usage:
//
//	dirq -path /var/spool/myqueue add < payload
//	dirq -path /var/spool/myqueue list
//	dirq -path /var/spool/myqueue count
//	dirq -path /var/spool/myqueue dequeue
//	dirq -path /var/spool/myqueue purge
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/dirq/dirq/logging"
	"github.com/dirq/dirq/queue"
	"github.com/dirq/dirq/simple"
)

func main() {
	path := flag.String("path", "", "queue directory (required)")
	granularity := flag.Duration("granularity", simple.DefaultGranularity, "bucket time granularity")
	maxTemp := flag.Duration("maxtemp", 300*time.Second, "purge: maximum age of temporary files, 0 to keep them")
	maxLock := flag.Duration("maxlock", 600*time.Second, "purge: maximum age of locks, 0 to keep them")
	limit := flag.Int("limit", 0, "dequeue: stop after this many elements, 0 for all")

	flag.Parse()

	if *path == "" || flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: dirq -path DIR [flags] add|list|count|dequeue|purge")
		os.Exit(2)
	}

	// tag every log line of this invocation so interleaved runs against
	// the same queue can be told apart
	log := logging.New("dirq").With(zap.String("run", ksuid.New().String()))

	q, err := simple.New(*path,
		simple.WithGranularity(*granularity),
		simple.WithLogger(log))
	if err != nil {
		fatal(err)
	}

	switch cmd := flag.Arg(0); cmd {
	case "add":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fatal(err)
		}
		elem, err := q.Add(data)
		if err != nil {
			fatal(err)
		}
		fmt.Println(elem)
	case "list":
		elem, err := q.First()
		for ; elem != "" && err == nil; elem, err = q.Next() {
			fmt.Println(elem)
		}
		if err != nil {
			fatal(err)
		}
	case "count":
		count, err := q.Count()
		if err != nil {
			fatal(err)
		}
		fmt.Println(count)
	case "dequeue":
		if err := dequeue(q, *limit); err != nil {
			fatal(err)
		}
	case "purge":
		err := q.Purge(queue.MaxTemp(*maxTemp), queue.MaxLock(*maxLock))
		if err != nil {
			fatal(err)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		os.Exit(2)
	}
}

// dequeue drains up to limit elements to stdout, one payload per element,
// skipping elements locked by somebody else.
func dequeue(q *simple.Queue, limit int) error {
	done := 0
	elem, err := q.First()
	for ; elem != "" && err == nil; elem, err = q.Next() {
		if limit > 0 && done >= limit {
			break
		}
		data, err := q.Dequeue(elem)
		if err != nil {
			if errors.Is(err, queue.ErrLockNotAcquired) {
				// somebody else got there first
				continue
			}
			return err
		}
		os.Stdout.Write(data)
		done++
	}
	return err
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
