// Package setup implements the interactive first-run wizard that writes a
// tablesync config file.
package setup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/tablesync/tablesync/internal/config"
)

const (
	defaultConfigPath = "/etc/tablesync/config.yaml"
	defaultListenPort = "8787"
	defaultHealthPort = "8788"
	serviceName       = "tablesync"
)

// WizardOptions configures the setup wizard.
type WizardOptions struct {
	ConfigPath string                  // Override default config path
	CheckRedis func(io.Writer, string) // Override the redis reachability check (for testing)
	Root       *bool                   // Override the euid check (for testing)
}

// RunWizard runs the interactive setup wizard.
func RunWizard(in io.Reader, out io.Writer, opts WizardOptions) error {
	scanner := bufio.NewScanner(in)
	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = defaultConfigPath
	}

	isRoot := os.Geteuid() == 0
	if opts.Root != nil {
		isRoot = *opts.Root
	}
	if !isRoot && configPath == defaultConfigPath {
		configPath = "./config.yaml"
		fmt.Fprintf(out, "NOTE: Not running as root. Config will be written to %s\n", configPath)
		fmt.Fprintf(out, "      Run with sudo for system-wide install: sudo tablesync setup\n\n")
	}

	fmt.Fprintln(out, "tablesync Setup")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)

	cfg := config.DefaultConfig()

	listenPort := promptPort(scanner, out,
		fmt.Sprintf("Listen port [%s]: ", defaultListenPort),
		defaultListenPort)
	cfg.Server.ListenAddress = net.JoinHostPort("", listenPort)
	if reason := checkPortAvailable("", listenPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s %s\n\n", listenPort, reason)
	}

	healthPort := promptPort(scanner, out,
		fmt.Sprintf("Health check port [%s]: ", defaultHealthPort),
		defaultHealthPort)
	cfg.Health.ListenAddress = net.JoinHostPort("127.0.0.1", healthPort)
	if reason := checkPortAvailable("127.0.0.1", healthPort); reason != "" {
		fmt.Fprintf(out, "  WARNING: Port %s on 127.0.0.1 %s\n\n", healthPort, reason)
	}

	origins := prompt(scanner, out,
		"Allowed browser origins, comma separated (leave empty for same-origin only): ", "")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			cfg.Server.AllowedOrigins = append(cfg.Server.AllowedOrigins, o)
		}
	}

	driver := promptChoice(scanner, out, "Storage driver (memory/redis) [memory]: ", "memory", "memory", "redis")
	cfg.Storage.Driver = driver
	if driver == "redis" {
		cfg.Storage.Redis.Address = prompt(scanner, out,
			fmt.Sprintf("Redis address [%s]: ", cfg.Storage.Redis.Address),
			cfg.Storage.Redis.Address)
		check := checkRedis
		if opts.CheckRedis != nil {
			check = opts.CheckRedis
		}
		check(out, cfg.Storage.Redis.Address)

		cfg.Storage.Compression = promptChoice(scanner, out,
			"Compress document snapshots (none/zstd) [zstd]: ", "zstd", "none", "zstd")
	} else {
		fmt.Fprintln(out, "  NOTE: memory storage keeps rooms only until the process restarts.")
		fmt.Fprintln(out)
	}

	if _, err := os.Stat(configPath); err == nil {
		overwrite := prompt(scanner, out,
			fmt.Sprintf("Config already exists at %s. Overwrite? [y/N]: ", configPath), "n")
		if !strings.HasPrefix(strings.ToLower(overwrite), "y") {
			fmt.Fprintln(out, "Setup cancelled.")
			return nil
		}
	}

	fmt.Fprintf(out, "\nWriting config to %s...\n", configPath)
	content, err := generateConfig(cfg)
	if err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}
	if err := writeConfig(configPath, content, isRoot, out); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintln(out, "  Config written successfully.")

	fmt.Fprintln(out, "  Validating config...")
	if _, err := config.Load(configPath); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	fmt.Fprintln(out, "  Config is valid.")

	if isRoot && isSystemdAvailable() {
		fmt.Fprintln(out)
		startService := prompt(scanner, out,
			"Start tablesync service now? [Y/n]: ", "y")
		if strings.HasPrefix(strings.ToLower(startService), "y") {
			if err := startSystemdService(out); err != nil {
				fmt.Fprintf(out, "  WARNING: Failed to start service: %v\n", err)
				fmt.Fprintln(out, "  You can start it manually: sudo systemctl start tablesync")
			}
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Setup complete!")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config:       %s\n", configPath)
	fmt.Fprintf(out, "  Rooms:        ws://<host>:%s%s<roomId>\n", listenPort, cfg.Server.PathPrefix)
	fmt.Fprintf(out, "  Health:       http://%s%s\n", cfg.Health.ListenAddress, cfg.Health.Endpoint)
	fmt.Fprintf(out, "  Storage:      %s\n", cfg.Storage.Driver)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Useful commands:")
	fmt.Fprintf(out, "  Check health:   curl http://%s%s\n", cfg.Health.ListenAddress, cfg.Health.Endpoint)
	fmt.Fprintln(out, "  View logs:      sudo journalctl -u tablesync -f")
	fmt.Fprintln(out, "  Validate:       tablesync validate --config "+configPath)

	return nil
}

// prompt displays a message and reads a line from the scanner.
// Returns defaultVal if input is empty or EOF.
func prompt(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	fmt.Fprint(out, message)
	if scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input != "" {
			return input
		}
	}
	return defaultVal
}

// promptChoice re-prompts until the answer is one of choices.
func promptChoice(scanner *bufio.Scanner, out io.Writer, message, defaultVal string, choices ...string) string {
	for {
		val := strings.ToLower(prompt(scanner, out, message, defaultVal))
		for _, c := range choices {
			if val == c {
				return val
			}
		}
		fmt.Fprintf(out, "  Invalid choice %q: expected one of %s\n", val, strings.Join(choices, ", "))
	}
}

func validatePort(port string) bool {
	n, err := strconv.Atoi(port)
	if err != nil {
		return false
	}
	return n >= 1 && n <= 65535
}

// promptPort prompts for a port, re-prompting on invalid input.
func promptPort(scanner *bufio.Scanner, out io.Writer, message, defaultVal string) string {
	val := prompt(scanner, out, message, defaultVal)
	for !validatePort(val) {
		fmt.Fprintf(out, "  Invalid port %q: must be a number between 1 and 65535\n", val)
		val = prompt(scanner, out, message, defaultVal)
		if val == defaultVal {
			return defaultVal
		}
	}
	return val
}

// checkRedis pings the redis server once. Failure is only a warning.
func checkRedis(out io.Writer, addr string) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(out, "  WARNING: Redis at %s is not reachable: %v\n", addr, err)
		fmt.Fprintln(out, "  (tablesync start will refuse to run until it is)")
		fmt.Fprintln(out)
		return
	}
	fmt.Fprintf(out, "  Redis at %s is reachable.\n\n", addr)
}

// checkPortAvailable returns "" if the TCP port is free, otherwise a reason.
func checkPortAvailable(host, port string) string {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		if errors.Is(err, syscall.EACCES) {
			return "permission denied (try sudo or a port >= 1024)"
		}
		return "appears to be in use"
	}
	ln.Close()
	return ""
}

func isSystemdAvailable() bool {
	_, err := exec.LookPath("systemctl")
	return err == nil
}

func startSystemdService(out io.Writer) error {
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		return fmt.Errorf("daemon-reload: %w", err)
	}
	if err := exec.Command("systemctl", "restart", serviceName).Run(); err != nil {
		if err := exec.Command("systemctl", "start", serviceName).Run(); err != nil {
			return err
		}
	}

	time.Sleep(2 * time.Second)
	output, err := exec.Command("systemctl", "is-active", serviceName).Output()
	status := strings.TrimSpace(string(output))
	if err != nil {
		return fmt.Errorf("service did not start (status: %s)", status)
	}
	if status == "active" {
		fmt.Fprintln(out, "  Service started successfully.")
	} else {
		fmt.Fprintf(out, "  Service status: %s\n", status)
	}
	return nil
}

const configHeader = `# tablesync configuration
# Generated by: tablesync setup
# Every key can be overridden with TABLESYNC_<SECTION>_<KEY>.

`

// generateConfig renders cfg as YAML with a short header.
func generateConfig(cfg *config.Config) (string, error) {
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	return configHeader + string(body), nil
}

// writeConfig writes the config file, creating parent directories as needed.
func writeConfig(path, content string, setOwnership bool, out io.Writer) error {
	path = filepath.Clean(path)

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config directory %s: %w", dir, err)
		}
	}

	// The file may hold the redis password.
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	if setOwnership {
		if err := chownToService(path); err != nil {
			fmt.Fprintf(out, "  WARNING: Could not set ownership to %s: %v\n", serviceName, err)
		}
	}
	return nil
}

func chownToService(path string) error {
	u, err := user.Lookup(serviceName)
	if err != nil {
		return err
	}
	g, err := user.LookupGroup(serviceName)
	if err != nil {
		return err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("parsing uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("parsing gid %q: %w", g.Gid, err)
	}
	return os.Chown(path, uid, gid)
}
