// Package cli implements the interactive management console for Beacon:
// room listing, kicks, room teardown, history inspection and shutdown.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/beacon-project/beacon/internal/config"
	"github.com/beacon-project/beacon/internal/db"
	"github.com/beacon-project/beacon/internal/events"
	"github.com/beacon-project/beacon/internal/relay"
	"github.com/beacon-project/beacon/internal/transport"
	"github.com/beacon-project/beacon/internal/util"
)

// CLI provides the interactive console.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	registry *relay.Registry
	history  *db.History // nil when history is disabled
}

// NewCLI creates a console bound to the running registry.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, registry *relay.Registry, history *db.History) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		registry: registry,
		history:  history,
	}
}

// Start begins the interactive loop. Returns when stdin closes or ctx is
// cancelled.
func (c *CLI) Start(ctx context.Context) {
	fmt.Println("\nBeacon console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("console input closed")
		}
	}()

	fmt.Print("beacon> ")
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				fmt.Print("beacon> ")
				continue
			}
			parts := strings.Fields(line)
			if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
				fmt.Printf("Error: %v\n", err)
			}
			fmt.Print("beacon> ")
		}
	}
}

// execute processes a single console command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "rooms", "r":
		c.printRooms()
	case "room":
		return c.printRoomDetail(args)
	case "status", "s":
		c.printStatus()
	case "kick":
		return c.cmdKick(args)
	case "close":
		return c.cmdClose(args)
	case "history":
		return c.cmdHistory(args)
	case "quit", "exit", "q":
		fmt.Println("Shutting down Beacon...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	fmt.Println("\nCommands:")
	fmt.Println("  rooms              List public rooms")
	fmt.Println("  room <id>          Show one room in detail")
	fmt.Println("  status             Show relay and host status")
	fmt.Println("  kick <id> <conn>   Kick a connection out of a room")
	fmt.Println("  close <id>         Tear a room down, evicting all members")
	fmt.Println("  history [n]        Show the newest n recorded events")
	fmt.Println("  quit               Shut the relay down")
	fmt.Println("  help               Show this help message")
	fmt.Println()
}

// printRooms renders the public room listing as a table.
func (c *CLI) printRooms() {
	rooms := c.registry.Listing().Rooms()
	if len(rooms) == 0 {
		fmt.Println("No public rooms.")
		return
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"ID", "Name", "Players", "Max", "Data"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, room := range rooms {
		data := room.Data
		if len(data) > 32 {
			data = data[:29] + "..."
		}
		tw.Append([]string{
			room.ID,
			room.Name,
			strconv.Itoa(room.Players),
			strconv.Itoa(room.MaxPlayers),
			data,
		})
	}
	tw.Render()
	fmt.Println()
}

func (c *CLI) printRoomDetail(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: room <id>")
	}
	id := strings.ToUpper(args[0])
	for _, room := range c.registry.Listing().Rooms() {
		if room.ID != id {
			continue
		}
		fmt.Printf("\n  Room:     %s\n", room.ID)
		fmt.Printf("  Name:     %s\n", room.Name)
		fmt.Printf("  Players:  %d / %d\n", room.Players, room.MaxPlayers)
		fmt.Printf("  Data:     %s\n", room.Data)
		if len(room.Members) > 0 {
			fmt.Println("  Members:")
			for _, conn := range room.Members {
				fmt.Printf("    - conn %d\n", conn)
			}
		}
		fmt.Println()
		return nil
	}
	return fmt.Errorf("no public room with id %s", id)
}

// printStatus shows relay counters and host resource usage.
func (c *CLI) printStatus() {
	rooms, conns := c.registry.Listing().Counts()
	relayCfg := c.cfg.GetRelay()

	fmt.Printf("\n  Relay port:    %d (%s)\n", relayCfg.Port, relayCfg.Transport)
	fmt.Printf("  Public rooms:  %d\n", rooms)
	fmt.Printf("  Connections:   %d\n", conns)
	fmt.Printf("  NAT punching:  %v\n", relayCfg.PunchEnabled)

	if ip, err := util.GetPublicIP(); err == nil {
		fmt.Printf("  Public IP:     %s\n", ip)
	}
	if ip, err := util.GetLocalIP(); err == nil {
		fmt.Printf("  Local IP:      %s\n", ip)
	}
	if cpuUsage, err := util.GetCPUUsage(); err == nil {
		fmt.Printf("  CPU:           %.1f%%\n", cpuUsage)
	}
	if memUsage, err := util.GetMemoryUsage(); err == nil {
		fmt.Printf("  Memory:        %d / %d MB (%.1f%%)\n",
			memUsage.Used, memUsage.Total, memUsage.UsedPercent)
	}
	fmt.Println()
}

func (c *CLI) cmdKick(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: kick <room id> <conn id>")
	}
	conn, err := strconv.ParseInt(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid connection id: %s", args[1])
	}
	roomID := strings.ToUpper(args[0])
	c.registry.RequestKick(roomID, transport.ConnID(conn))
	fmt.Printf("Kick requested: conn %d from room %s\n", conn, roomID)
	return nil
}

func (c *CLI) cmdClose(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: close <room id>")
	}
	roomID := strings.ToUpper(args[0])
	c.registry.RequestClose(roomID)
	fmt.Printf("Close requested for room %s\n", roomID)
	return nil
}

func (c *CLI) cmdHistory(args []string) error {
	if c.history == nil {
		return fmt.Errorf("history is disabled")
	}
	limit := 20
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	rows, err := c.history.Recent(limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("No recorded events.")
		return nil
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"Time", "Event", "Room", "Conn"})
	tw.SetBorder(true)

	for _, row := range rows {
		tw.Append([]string{
			row.OccurredAt.Format("15:04:05"),
			row.Type,
			row.RoomID,
			strconv.FormatInt(row.Conn, 10),
		})
	}
	tw.Render()
	fmt.Println()
	return nil
}
