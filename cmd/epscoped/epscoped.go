package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	sysctl "github.com/lorenzosaino/go-sysctl"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/epscope/epscope"
	"github.com/epscope/epscope/internal/activitydb"
	"github.com/epscope/epscope/internal/hw"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	fullname := path.Join(dir, filename)
	_, err := os.Stat(fullname)
	if os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find
// config files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)
	viper.SetDefault("ControlPort", epscope.Ports.Control)
	viper.SetDefault("DeviceName", "EPSCOPE")

	HOME, err := os.UserHomeDir()
	if err != nil {
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotEpscope := filepath.Join(HOME, ".epscope")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotEpscope, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.AddConfigPath(filepath.FromSlash("/etc/epscope"))
	viper.AddConfigPath(dotEpscope)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

func startLogger(pfname string) *log.Logger {
	probFile, err := os.OpenFile(pfname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		msg := fmt.Sprintf("Could not open log file '%s'", pfname)
		panic(msg)
	}
	probLogger := log.New(probFile, "", log.LstdFlags)
	probLogger.SetOutput(&lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	})
	return probLogger
}

// checkSocketBuffers warns when the kernel's socket buffer ceiling is too
// small for sustained sample streaming.
func checkSocketBuffers() {
	const wantBytes = 4 << 20
	val, err := sysctl.Get("net.core.wmem_max")
	if err != nil {
		return
	}
	if max, err := strconv.Atoi(strings.TrimSpace(val)); err == nil && max < wantBytes {
		fmt.Printf("Warning: net.core.wmem_max=%d is below %d; datagram bursts may drop.\n", max, wantBytes)
		fmt.Printf("Consider: sudo sysctl -w net.core.wmem_max=%d\n", wantBytes)
	}
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	epscope.Build.Date = buildDate
	epscope.Build.Githash = githash
	epscope.Build.Summary = fmt.Sprintf("EPSCOPE version %s (git commit %s)", epscope.Build.Version, githash)
	if host, err := os.Hostname(); err == nil {
		epscope.Build.Host = host
	} else {
		epscope.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	uartPort := flag.String("uart", "", "serial port carrying energy-point labels (default: simulated)")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is EPSCOPE version %s\n", epscope.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is EPSCOPE version %s (git commit %s)\n", epscope.Build.Version, githash)
	fmt.Print(banner)

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".epscope", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	epscope.ProblemLogger = startLogger(problemname)
	epscope.UpdateLogger = startLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	epscope.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}
	checkSocketBuffers()

	simBoard := hw.NewSimBoard(epscope.FTimerInput)
	board := simBoard.Board
	if *uartPort != "" {
		port, err := hw.OpenSerialUART(*uartPort, hw.DefaultUARTBaud)
		if err != nil {
			fmt.Printf("Cannot open UART %s: %v\n", *uartPort, err)
			if ports, lerr := hw.ListSerialPorts(); lerr == nil {
				fmt.Printf("Available ports: %v\n", ports)
			}
			os.Exit(1)
		}
		board.EPUart = port
		fmt.Printf("Energy-point labels from %s\n", *uartPort)
	}

	device := epscope.NewDevice(board, epscope.DeviceConfig{Name: viper.GetString("DeviceName")})

	sessionID := ulid.Make().String()
	if db, err := activitydb.Start(sessionID, epscope.Build.Version, epscope.EpscopeStartTime); err != nil {
		fmt.Printf("Activity database disabled: %v\n", err)
	} else {
		device.SetActivityLogger(db)
		fmt.Printf("Activity database session %s\n", sessionID)
	}

	device.Start()
	abortMonitor := make(chan struct{})
	go epscope.RunMonitor(device.Updates(), epscope.Ports.Monitor, abortMonitor)

	control, err := epscope.NewControlChannel(device, viper.GetInt("ControlPort"))
	if err != nil {
		panic(err)
	}
	fmt.Printf("Control channel on %v, monitor on port %d\n", control.Addr(), epscope.Ports.Monitor)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	fmt.Println("\nShutting down.")

	control.Close()
	close(abortMonitor)
	device.Shutdown()
}
