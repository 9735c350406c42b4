// Command osdpctl is the interactive operator console: it connects to a
// running osdpgwd over its local control socket and offers a
// raw-terminal menu for listing readers, triggering feedback, and
// tailing the packet trace.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/openosdp/gateway/internal/control"
)

func main() {
	socketPath := flag.String("socket", "/var/run/osdpgwd.sock", "path to the gateway control socket")
	flag.Parse()

	client := control.NewClient(*socketPath)

	for {
		choice := selectMenu("osdpctl", []string{
			"List readers",
			"Send feedback",
			"Tail packet trace",
			"Quit",
		})
		switch choice {
		case 0:
			listReaders(client)
		case 1:
			sendFeedback(client)
		case 2:
			tailTrace(client)
		default:
			return
		}
	}
}

func listReaders(client *control.Client) {
	devices, err := client.ListDevices()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if len(devices) == 0 {
		fmt.Println("No readers registered.")
		return
	}
	fmt.Println()
	fmt.Println("Address | Online | ID            | Name")
	fmt.Println("--------|--------|---------------|--------------------")
	for _, d := range devices {
		status := "offline"
		if d.Online {
			status = "online"
		}
		fmt.Printf("  %3d   | %-6s | %-13s | %s\n", d.Address, status, d.ID, d.Name)
	}
	fmt.Println()
}

func sendFeedback(client *control.Client) {
	devices, err := client.ListDevices()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if len(devices) == 0 {
		fmt.Println("No readers registered.")
		return
	}

	items := make([]string, len(devices))
	for i, d := range devices {
		items[i] = fmt.Sprintf("%s (address %d)", d.Name, d.Address)
	}
	idx := selectMenu("Select reader:", items)
	if idx < 0 {
		return
	}
	target := devices[idx]

	colorIdx := selectMenu("Select LED color:", []string{"black", "red", "green", "amber", "blue"})
	if colorIdx < 0 {
		return
	}
	colors := []string{"black", "red", "green", "amber", "blue"}
	color := colors[colorIdx]

	fmt.Print("Beep count [0]: ")
	beepCount := readInt(0)
	fmt.Print("LED duration seconds [2]: ")
	durationS := readInt(2)

	if err := client.SendFeedback(target.ID, &color, durationS, beepCount, ""); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Println("Feedback sent.")
}

func tailTrace(client *control.Client) {
	entries, err := client.TailTrace(50)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Println("Trace is empty (tracing may be disabled).")
		return
	}
	fmt.Println()
	for _, e := range entries {
		addr := "-"
		if e.Address != nil {
			addr = strconv.Itoa(int(*e.Address))
		}
		fmt.Printf("%-10s addr=%-4s %-4s %-8s %s\n", e.Connection, addr, e.Direction, e.Kind, e.RawHex)
	}
	fmt.Println()
}

func readInt(def int) int {
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return def
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	n, err := strconv.Atoi(line)
	if err != nil {
		return def
	}
	return n
}

// selectMenu renders items under prompt and lets the operator move the
// selection with the arrow keys, confirming with Enter.
func selectMenu(prompt string, items []string) int {
	if len(items) == 0 {
		return -1
	}

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting raw mode: %v\r\n", err)
		return -1
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	selected := 0

	fmt.Printf("%s\r\n", prompt)
	for i, item := range items {
		if i == selected {
			fmt.Printf("> %s\r\n", item)
		} else {
			fmt.Printf("  %s\r\n", item)
		}
	}

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return -1
		}

		if n == 1 {
			switch buf[0] {
			case 0x0D, 0x0A:
				fmt.Printf("\r\n")
				return selected
			case 0x03:
				term.Restore(int(os.Stdin.Fd()), oldState)
				fmt.Printf("\r\n")
				os.Exit(0)
			}
		} else if n == 3 && buf[0] == 0x1B && buf[1] == '[' {
			needRedraw := false
			switch buf[2] {
			case 'A':
				if selected > 0 {
					selected--
					needRedraw = true
				}
			case 'B':
				if selected < len(items)-1 {
					selected++
					needRedraw = true
				}
			}

			if needRedraw {
				fmt.Printf("\033[%dA", len(items))
				for i, item := range items {
					fmt.Print("\033[2K\r")
					if i == selected {
						fmt.Printf("> %s\r\n", item)
					} else {
						fmt.Printf("  %s\r\n", item)
					}
				}
			}
		}
	}
}
