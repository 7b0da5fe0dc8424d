package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
	"github.com/pointfeev/tictactoe/internal/gameclient"
	"github.com/pointfeev/tictactoe/internal/protocol"
)

type Config struct {
	ServerAddr string `envconfig:"SERVER_ADDR" required:"true" default:"127.0.0.1:9999"`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("", config); err != nil {
		return nil, err
	}
	return config, nil
}

func configureLogger() *log.Logger {
	logger := log.DefaultLogger

	// keep the console clean for the board; diagnostics only
	logger.Level = log.WarnLevel
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

func printBoard(board protocol.Board) {
	fmt.Printf("%c%c%c\n", board[0], board[1], board[2])
	fmt.Printf("%c%c%c\n", board[3], board[4], board[5])
	fmt.Printf("%c%c%c\n", board[6], board[7], board[8])
}

func printQueuePosition(ahead int) {
	output := "You are in a queue to play. "
	switch {
	case ahead == 0:
		output += "You are next in line."
	case ahead == 1:
		output += "There is 1 client ahead of you."
	default:
		output += fmt.Sprintf("There are %d clients ahead of you.", ahead)
	}
	fmt.Println(output)
}

func printEvent(ev gameclient.Event) {
	switch ev.Kind {
	case gameclient.EventWaitingForOpponent:
		fmt.Println("Waiting for another player...")
	case gameclient.EventQueuePosition:
		printQueuePosition(ev.Ahead)
	case gameclient.EventGameStarting:
		fmt.Printf("Game starting, you will be %s...\n", ev.Role)
		printBoard(ev.Board)
		printTurn(ev.Role, ev.YourTurn)
	case gameclient.EventBoard:
		printBoard(ev.Board)
		if !ev.Final {
			printTurn(ev.Role, ev.YourTurn)
		}
	case gameclient.EventIllegalMove:
		fmt.Println("That square is taken. What square do you want to play (1-9)?")
	case gameclient.EventWon:
		output := "Game over, you win!"
		if ev.Streak > 1 {
			output += fmt.Sprintf(" You have won %d games in a row!", ev.Streak)
		}
		fmt.Println(output)
		fmt.Println("Do you want to play again (Y/N)?")
	case gameclient.EventLost:
		fmt.Println("Game over, you lose!")
	case gameclient.EventTied:
		fmt.Println("Game over, it's a tie!")
	}
}

func printTurn(role protocol.Role, yourTurn bool) {
	if yourTurn {
		fmt.Printf("It's your turn, you are %s. What square do you want to play (1-9)?\n", role)
	} else {
		fmt.Printf("It is your opponent's turn, you are %s.\n", role)
	}
}

// handleLine turns one line of console input into a wire byte. It reports
// whether the client should keep running.
func handleLine(client *gameclient.Client, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}

	switch c := line[0]; {
	case c >= '1' && c <= '9':
		if err := client.Play(int(c - '1')); err != nil {
			fmt.Printf("ERROR: Failed to send move: %v\n", err)
			return false
		}
	case c == 'Y' || c == 'y':
		if err := client.PlayAgain(true); err != nil {
			fmt.Printf("ERROR: Failed to send answer: %v\n", err)
			return false
		}
	case c == 'N' || c == 'n':
		if err := client.PlayAgain(false); err != nil {
			fmt.Printf("ERROR: Failed to send answer: %v\n", err)
			return false
		}
	case c == 'Q' || c == 'q':
		_ = client.Quit()
		return false
	default:
		fmt.Println("Unrecognized input. Play with 1-9, answer with Y/N, quit with Q.")
	}
	return true
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger()

	client, err := gameclient.Dial("tcp", config.ServerAddr, logger)
	if err != nil {
		return fmt.Errorf("could not connect to server at %s: %w", config.ServerAddr, err)
	}
	fmt.Printf("Connected to server at %s\n", config.ServerAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var clientRunErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		clientRunErr = client.Run(ctx)
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	events := client.Events()
	for {
		select {
		case sig := <-signalChan:
			logger.Info().Msgf("received %+v signal", sig)
			_ = client.Quit()
			cancel()
			<-done
			return clientRunErr
		case line, ok := <-lines:
			if !ok || !handleLine(client, line) {
				_ = client.Quit()
				cancel()
				<-done
				return clientRunErr
			}
		case ev, ok := <-events:
			if !ok {
				fmt.Println("Disconnected from server")
				<-done
				return clientRunErr
			}
			printEvent(ev)
		}
	}
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
