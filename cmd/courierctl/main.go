package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/hfortes/courier/internal/daemon"
	"github.com/hfortes/courier/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output raw JSON")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	req, err := buildRequest(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	resp, err := roundTrip(session.SocketPath(sessionName), req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	if resp.Error != "" {
		fmt.Fprintf(os.Stderr, "error: %s\n", resp.Error)
		os.Exit(1)
	}

	if *jsonFlag {
		out, _ := json.MarshalIndent(resp.Data, "", "  ")
		fmt.Println(string(out))
		return
	}
	printData(req.Op, resp.Data)
}

func buildRequest(args []string) (daemon.Request, error) {
	op := args[0]
	switch op {
	case "status", "chats", "unread", "sync", "fullsync", "cleansync",
		"disconnect", "sync-anyway", "cancel", "reset", "import-sms", "mark-all-read":
		return daemon.Request{Op: op}, nil

	case "mark-read", "dismiss", "pin", "unpin", "delete", "restore":
		if len(args) < 2 {
			return daemon.Request{}, fmt.Errorf("usage: courierctl %s <chat-guid>", op)
		}
		raw, _ := json.Marshal(map[string]string{"chat": args[1]})
		return daemon.Request{Op: op, Args: raw}, nil

	case "pin-move":
		if len(args) < 3 {
			return daemon.Request{}, fmt.Errorf("usage: courierctl pin-move <from> <to>")
		}
		from, err := strconv.Atoi(args[1])
		if err != nil {
			return daemon.Request{}, fmt.Errorf("bad index %q", args[1])
		}
		to, err := strconv.Atoi(args[2])
		if err != nil {
			return daemon.Request{}, fmt.Errorf("bad index %q", args[2])
		}
		raw, _ := json.Marshal(map[string]int{"from": from, "to": to})
		return daemon.Request{Op: op, Args: raw}, nil

	case "send":
		if len(args) < 3 {
			return daemon.Request{}, fmt.Errorf("usage: courierctl send <chat-guid> <text>")
		}
		raw, _ := json.Marshal(map[string]string{"chat": args[1], "text": args[2]})
		return daemon.Request{Op: op, Args: raw}, nil

	case "search":
		if len(args) < 2 {
			return daemon.Request{}, fmt.Errorf("usage: courierctl search <query> [chat-guid]")
		}
		m := map[string]string{"query": args[1]}
		if len(args) > 2 {
			m["chat"] = args[2]
		}
		raw, _ := json.Marshal(m)
		return daemon.Request{Op: op, Args: raw}, nil

	case "messages":
		if len(args) < 2 {
			return daemon.Request{}, fmt.Errorf("usage: courierctl messages <chat-guid>")
		}
		raw, _ := json.Marshal(map[string]string{"chat": args[1]})
		return daemon.Request{Op: op, Args: raw}, nil

	default:
		return daemon.Request{}, fmt.Errorf("unknown command: %s", op)
	}
}

func roundTrip(socketPath string, req daemon.Request) (daemon.Response, error) {
	conn, err := net.DialTimeout("unix", socketPath, 5*time.Second)
	if err != nil {
		return daemon.Response{}, err
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	payload, err := json.Marshal(req)
	if err != nil {
		return daemon.Response{}, err
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return daemon.Response{}, err
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return daemon.Response{}, err
	}
	var resp daemon.Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return daemon.Response{}, err
	}
	return resp, nil
}

func printData(op string, data interface{}) {
	switch op {
	case "status":
		m, ok := data.(map[string]interface{})
		if !ok {
			fmt.Println(data)
			return
		}
		fmt.Printf("Phase:    %v\n", m["phase"])
		if r, _ := m["reason"].(string); r != "" {
			fmt.Printf("Reason:   %s\n", r)
		}
		if msg, _ := m["message"].(string); msg != "" {
			fmt.Printf("Message:  %s\n", msg)
		}
		fmt.Printf("Progress: %.0f%%\n", toFloat(m["progress"])*100)
		fmt.Printf("Chats:    %v\n", m["chats"])
		fmt.Printf("Unread:   %v\n", m["unread"])

	case "chats":
		items, ok := data.([]interface{})
		if !ok {
			fmt.Println(data)
			return
		}
		for _, item := range items {
			c, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			marker := "  "
			if b, _ := c["Pinned"].(bool); b {
				marker = "P "
			}
			if b, _ := c["Unread"].(bool); b {
				marker = marker[:1] + "*"
			}
			fmt.Printf("%s %v\t%v\n", marker, c["GUID"], c["Title"])
		}

	default:
		fmt.Println(data)
	}
}

func toFloat(v interface{}) float64 {
	f, _ := v.(float64)
	return f
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: courierctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                  Show sync phase and counters")
	fmt.Fprintln(os.Stderr, "  chats                   List chats in display order")
	fmt.Fprintln(os.Stderr, "  unread                  Show the unread counter")
	fmt.Fprintln(os.Stderr, "  sync                    Start an incremental sync")
	fmt.Fprintln(os.Stderr, "  fullsync                Start a full sync")
	fmt.Fprintln(os.Stderr, "  cleansync               Wipe remote records and resync")
	fmt.Fprintln(os.Stderr, "  disconnect              Tear down the remote association")
	fmt.Fprintln(os.Stderr, "  sync-anyway             One-time cellular override")
	fmt.Fprintln(os.Stderr, "  cancel                  Cancel the in-flight sync")
	fmt.Fprintln(os.Stderr, "  reset                   Acknowledge an error state")
	fmt.Fprintln(os.Stderr, "  import-sms              Import local SMS threads")
	fmt.Fprintln(os.Stderr, "  mark-all-read           Mark every chat read")
	fmt.Fprintln(os.Stderr, "  mark-read <chat>        Mark one chat read")
	fmt.Fprintln(os.Stderr, "  dismiss <chat>          Clear pending notifications")
	fmt.Fprintln(os.Stderr, "  pin <chat>              Pin a chat")
	fmt.Fprintln(os.Stderr, "  unpin <chat>            Unpin a chat")
	fmt.Fprintln(os.Stderr, "  pin-move <from> <to>    Reorder pinned chats")
	fmt.Fprintln(os.Stderr, "  delete <chat>           Soft-delete a chat")
	fmt.Fprintln(os.Stderr, "  restore <chat>          Restore a soft-deleted chat")
	fmt.Fprintln(os.Stderr, "  send <chat> <text>      Queue an outgoing message")
	fmt.Fprintln(os.Stderr, "  search <query> [chat]   Full-text message search")
	fmt.Fprintln(os.Stderr, "  messages <chat>         List recent messages")
}
