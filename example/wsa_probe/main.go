// Command wsa_probe connects to the Wayland compositor, negotiates wl_drm
// through a wsa.Agent and reports what the compositor offers. Given a
// dma-buf fd it also imports it and presents it a number of times.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"github.com/neurlang/wayland/wl"
	"github.com/neurlang/wayland/wlclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tidwall/pretty"
	"golang.org/x/sys/unix"

	wsa "github.com/tuxx/wayland-wsa-go"
	"github.com/tuxx/wayland-wsa-go/wltransport"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "wsa_probe",
	Short: "Probe wl_drm prime buffer support of the running compositor",
	Long: `wsa_probe binds wl_drm the way a driver's window system agent does,
prints the negotiated device, formats and capabilities, and optionally
imports a dma-buf fd and presents it.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if viper.GetBool("show-config") {
			log.Infof("Using config file: %v", viper.ConfigFileUsed())
			printJSONColored(viper.AllSettings())
			return nil
		}
		setupLogging()
		return probe()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $XDG_CONFIG_HOME/wsa-probe/wsa-probe.toml)")
	flags.BoolP("debug", "d", false, "Enable debug logging")
	flags.Bool("show-config", false, "Dump resolved config")
	flags.String("log-file", "", "Write logs to a rotating file instead of stderr")
	flags.Int("fd", -1, "dma-buf fd to import and present (inherited from the parent process)")
	flags.Uint32("width", 0, "image width in pixels")
	flags.Uint32("height", 0, "image height in pixels")
	flags.Uint32("stride", 0, "row pitch in bytes (default width*4)")
	flags.String("format", "XR24", "DRM fourcc of the image")
	flags.Int("frames", 1, "number of presents")

	for _, name := range []string{"debug", "show-config", "log-file", "fd", "width", "height", "stride", "format", "frames"} {
		viper.BindPFlag(name, flags.Lookup(name))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("wsa-probe")
		viper.SetConfigType("toml")
		viper.AddConfigPath("$XDG_CONFIG_HOME/wsa-probe")
		viper.AddConfigPath("$HOME/.config/wsa-probe")
		viper.AddConfigPath("/etc/xdg/wsa-probe")
	}

	viper.SetDefault("frames", 1)
	viper.SetDefault("format", "XR24")
	viper.SetDefault("fd", -1)

	viper.SetEnvPrefix("WSA_PROBE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			cobra.CheckErr(err)
		}
	}
}

func setupLogging() {
	if viper.GetBool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	path := viper.GetString("log-file")
	if path == "" {
		return
	}
	writer, err := rotatelogs.New(
		path+".%Y%m%d%H%M",
		rotatelogs.WithLinkName(path),
		rotatelogs.WithMaxAge(7*24*time.Hour),
		rotatelogs.WithRotationTime(24*time.Hour),
	)
	if err != nil {
		log.Fatalf("failed to configure log rotation: %v", err)
	}
	log.SetOutput(writer)
}

type client struct {
	display    *wl.Display
	registry   *wl.Registry
	compositor *wl.Compositor
}

// HandleRegistryGlobal implements wl.RegistryGlobalHandler
func (c *client) HandleRegistryGlobal(ev wl.RegistryGlobalEvent) {
	if ev.Interface == "wl_compositor" && c.compositor == nil {
		log.Debugf("Found wl_compositor (name: %d, version: %d)", ev.Name, ev.Version)
		c.compositor = wlclient.RegistryBindCompositorInterface(c.registry, ev.Name, 4)
	}
}

func connect() (*client, error) {
	c := &client{}

	var err error
	c.display, err = wlclient.DisplayConnect(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Wayland display: %w", err)
	}
	c.registry, err = c.display.GetRegistry()
	if err != nil {
		return nil, fmt.Errorf("failed to get registry: %w", err)
	}
	c.registry.AddGlobalHandler(c)
	if err := wlclient.DisplayRoundtrip(c.display); err != nil {
		return nil, fmt.Errorf("failed roundtrip: %w", err)
	}
	if c.compositor == nil {
		return nil, errors.New("wl_compositor not available")
	}
	return c, nil
}

func probe() error {
	c, err := connect()
	if err != nil {
		return err
	}
	surface, err := c.compositor.CreateSurface()
	if err != nil {
		return fmt.Errorf("failed to create surface: %w", err)
	}

	logger := log.Default()
	agent := wsa.New(wltransport.New(logger), wsa.WithLogger(logger), wsa.WithContextCapacity(1))

	ctx, err := agent.CreateContext()
	if err != nil {
		return err
	}
	defer agent.DestroyContext(ctx)

	if err := agent.InitializeContext(ctx, c.display, surface); err != nil {
		return fmt.Errorf("%v: %w", wsa.StatusOf(err), err)
	}

	info := agent.ContextInfo(ctx)
	printSummary(info)
	printJSONColored(info)

	fd := viper.GetInt("fd")
	if fd < 0 {
		return nil
	}
	return present(agent, ctx, fd)
}

func present(agent *wsa.Agent, ctx wsa.ContextHandle, fd int) error {
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return fmt.Errorf("fd %d: %w", fd, err)
	}
	width, height := viper.GetUint32("width"), viper.GetUint32("height")
	format, err := parseFormat(viper.GetString("format"))
	if err == nil && (width == 0 || height == 0) {
		err = errors.New("--width and --height are required with --fd")
	}
	if err != nil {
		unix.Close(fd)
		return err
	}
	stride := viper.GetUint32("stride")
	if stride == 0 {
		stride = width * 4
	}

	img, err := agent.CreateImage(ctx, fd, width, height, format, stride)
	if err != nil {
		return fmt.Errorf("%v: %w", wsa.StatusOf(err), err)
	}
	defer agent.DestroyImage(img)

	frames := viper.GetInt("frames")
	start := time.Now()
	for i := range frames {
		if err := agent.ImageAvailable(ctx, img); errors.Is(err, wsa.ErrResourceBusy) {
			log.Debug("image still held by compositor", "frame", i)
		} else if err != nil {
			return err
		}
		if err := agent.Present(ctx, img, nil); err != nil {
			return err
		}
		if err := agent.WaitForLastImagePresented(ctx); err != nil {
			return err
		}
	}
	log.Infof("Presented %d frames of %dx%d %v in %v", frames, width, height, format, time.Since(start))
	return nil
}

// parseFormat accepts a fourcc such as "XR24", or "R8" padded with spaces.
func parseFormat(s string) (wsa.Format, error) {
	if len(s) == 0 || len(s) > 4 {
		return 0, fmt.Errorf("invalid fourcc %q", s)
	}
	b := []byte(s + strings.Repeat(" ", 4-len(s)))
	return wsa.Format(uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24), nil
}

func printSummary(info wsa.ContextInfo) {
	babyBlue := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("76"))
	red := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	prime := red.Render("no")
	if info.PrimeImport {
		prime = green.Render("yes")
	}
	log.Infof("%v device %v, %d formats, prime import %v",
		babyBlue.Render("wl_drm"), info.Device, len(info.Formats), prime)
}

func printJSONColored(data interface{}) {
	j, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		log.Errorf("Error marshalling JSON: %v", err)
		return
	}
	log.Info(string(pretty.Color(j, nil)))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
