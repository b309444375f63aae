// Command stratum-cli is a line-protocol client for a stratum server.
//
// Interactive mode reads commands from stdin and prints responses. With -e
// it executes a single command and exits. With -bench it issues random PUTs
// and GETs and reports latency percentiles.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sort"
	"time"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "Server address")
	exec := flag.String("e", "", "Execute a single command and exit")
	bench := flag.Int("bench", 0, "Run a benchmark with this many operations")
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	client := &client{
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}

	switch {
	case *exec != "":
		resp, err := client.roundTrip(*exec)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(resp)
	case *bench > 0:
		if err := runBench(client, *bench); err != nil {
			fmt.Fprintf(os.Stderr, "Benchmark failed: %v\n", err)
			os.Exit(1)
		}
	default:
		runInteractive(client)
	}
}

type client struct {
	reader *bufio.Reader
	writer *bufio.Writer
}

// roundTrip sends one command line and reads one response line.
func (c *client) roundTrip(line string) (string, error) {
	if _, err := c.writer.WriteString(line + "\n"); err != nil {
		return "", err
	}
	if err := c.writer.Flush(); err != nil {
		return "", err
	}
	resp, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return resp[:len(resp)-1], nil
}

func runInteractive(c *client) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("Connected. Commands: p <k> <v> | g <k> | d <k> | l <path> | r <lo> <hi> | s")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := scanner.Text()
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" {
			return
		}
		resp, err := c.roundTrip(line)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Connection lost: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(resp)
	}
}

// runBench issues n random PUTs then n random GETs over the inserted keys,
// printing latency percentiles for each phase.
func runBench(c *client, n int) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	keys := make([]uint32, n)

	putLat := make([]time.Duration, 0, n)
	for i := range keys {
		keys[i] = rng.Uint32()
		start := time.Now()
		resp, err := c.roundTrip(fmt.Sprintf("p %d %d", keys[i], rng.Uint32()))
		if err != nil {
			return err
		}
		if resp != "OK" {
			return fmt.Errorf("unexpected PUT response %q", resp)
		}
		putLat = append(putLat, time.Since(start))
	}

	getLat := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		key := keys[rng.Intn(len(keys))]
		start := time.Now()
		if _, err := c.roundTrip(fmt.Sprintf("g %d", key)); err != nil {
			return err
		}
		getLat = append(getLat, time.Since(start))
	}

	report("PUT", putLat)
	report("GET", getLat)
	return nil
}

func report(name string, lat []time.Duration) {
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	p := func(q float64) time.Duration {
		idx := int(q * float64(len(lat)-1))
		return lat[idx]
	}
	fmt.Printf("%s  n=%d  p50=%v  p90=%v  p99=%v  max=%v\n",
		name, len(lat), p(0.50), p(0.90), p(0.99), lat[len(lat)-1])
}
