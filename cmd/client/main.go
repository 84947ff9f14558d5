package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"devtunnel/internal/client"
	"devtunnel/internal/constants"
	"devtunnel/internal/logger"
	"devtunnel/internal/utils"
)

func printUsage(fs *flag.FlagSet) {
	fmt.Println()
	fmt.Printf("  %s%s%s%s %sv%s%s\n", constants.ColorBold, constants.ColorCyan, constants.AppName, constants.ColorReset, constants.ColorBold, constants.Version, constants.ColorReset)
	fmt.Println()
	fmt.Printf("  %s\n", constants.MsgUsage)
	fmt.Printf("  %s\n", constants.MsgExample)
	fmt.Println()
	fmt.Printf("  %sFlags:%s\n", constants.ColorBold, constants.ColorReset)
	fmt.Print(fs.FlagUsages())
	fmt.Println()
}

func main() {
	fs := flag.NewFlagSet("devtunnel-client", flag.ContinueOnError)

	var (
		showQR      bool
		showVersion bool
		showHelp    bool
		settings    string
		logLevel    string
		logFormat   string
	)
	fs.BoolVarP(&showQR, "qr", "q", false, "Print a QR code of the public endpoint")
	fs.StringVar(&settings, "config", client.DefaultSettingsPath(), "Client settings file")
	fs.StringVar(&logLevel, "log-level", utils.GetEnv("LOG_LEVEL", "info"), "Log level")
	fs.StringVar(&logFormat, "log-format", utils.GetEnv("LOG_FORMAT", "console"), "console or json")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")
	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if showVersion {
		fmt.Printf("%s %s\n", constants.AppName, constants.Version)
		return
	}
	if showHelp || fs.NArg() != 2 {
		printUsage(fs)
		if showHelp {
			return
		}
		os.Exit(1)
	}

	targetHost, targetPort, err := utils.ParseTarget(fs.Arg(1))
	if err != nil {
		fmt.Printf("%sError: %v%s\n", constants.ColorRed, err, constants.ColorReset)
		os.Exit(1)
	}

	log, err := logger.New(logLevel, logFormat, os.Stderr)
	if err != nil {
		fmt.Printf("%sError: %v%s\n", constants.ColorRed, err, constants.ColorReset)
		os.Exit(1)
	}

	client.PrintBanner(os.Stdout)
	c, err := client.New(client.Options{
		ServerURL:    fs.Arg(0),
		TargetHost:   targetHost,
		TargetPort:   targetPort,
		SettingsPath: settings,
		ShowQR:       showQR,
		Out:          os.Stdout,
		Logger:       log,
	})
	if err != nil {
		log.Error().Err(err).Msg("client setup failed")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Run(ctx); err != nil {
		if errors.Is(err, client.ErrTooManyErrors) {
			client.PrintSep(os.Stdout)
		}
		log.Error().Err(err).Msgf("UserId: %s", c.UserID())
		os.Exit(1)
	}
}
