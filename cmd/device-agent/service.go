// cmd/device-agent/service.go
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/spf13/cobra"
)

const (
	serviceName     = "device-agent"
	systemdUnitPath = "/etc/systemd/system/device-agent.service"
)

// systemd unit template
const systemdUnitTemplate = `[Unit]
Description=devicerun device agent
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.ExecStart}}
Restart=always
RestartSec=10
{{if .User}}User={{.User}}{{end}}
{{if .Group}}Group={{.Group}}{{end}}
{{if .DeviceDir}}ReadWritePaths={{.DeviceDir}}{{end}}

# Device tools like adb need the user's home for keys
NoNewPrivileges=true
PrivateTmp=true

StandardOutput=journal
StandardError=journal
SyslogIdentifier=device-agent

[Install]
WantedBy=multi-user.target
`

type unitConfig struct {
	ExecStart string
	User      string
	Group     string
	DeviceDir string
}

var (
	serviceUser      string
	serviceGroup     string
	serviceDeviceDir string
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the device-agent systemd service",
	}

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install device-agent as a systemd service",
		Long: `Creates a systemd unit file and enables the device-agent service.
The service restarts on failure and reads its config from the standard
locations. Requires root privileges.`,
		RunE: runServiceInstall,
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "User to run the service as")
	installCmd.Flags().StringVar(&serviceGroup, "group", "", "Group to run the service as")
	installCmd.Flags().StringVar(&serviceDeviceDir, "device-dir", "/var/lib/device-agent/devices", "Device descriptor directory")

	uninstallCmd := &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the device-agent systemd service",
		RunE:  runServiceUninstall,
	}

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show device-agent service logs",
		RunE:  runServiceLogs,
	}
	logsCmd.Flags().BoolP("follow", "f", false, "Follow log output")
	logsCmd.Flags().IntP("lines", "n", 50, "Number of lines to show")

	serviceCmd.AddCommand(installCmd, uninstallCmd, logsCmd)
	for _, action := range []string{"start", "stop", "restart", "status"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: fmt.Sprintf("Run systemctl %s for the device-agent service", action),
			RunE: func(cmd *cobra.Command, args []string) error {
				return systemctl(action)
			},
		})
	}
	return serviceCmd
}

// renderUnit renders the systemd unit for the given binary
func renderUnit(execPath string, cfg unitConfig) (string, error) {
	cfg.ExecStart = execPath
	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			cfg.ExecStart = fmt.Sprintf("%s --config %s", execPath, p)
			break
		}
	}
	if cfg.DeviceDir != "" && !strings.Contains(cfg.ExecStart, "--config") {
		cfg.ExecStart += " --devices " + cfg.DeviceDir
	}

	tmpl, err := template.New("unit").Parse(systemdUnitTemplate)
	if err != nil {
		return "", fmt.Errorf("parsing unit template: %w", err)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, cfg); err != nil {
		return "", fmt.Errorf("executing unit template: %w", err)
	}
	return b.String(), nil
}

func requireLinux() error {
	if runtime.GOOS != "linux" {
		return fmt.Errorf("systemd service management is only supported on Linux")
	}
	return nil
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	if !isRoot() {
		return fmt.Errorf("root privileges required to install service. Try: sudo %s service install", os.Args[0])
	}

	execPath, err := findAgentBinary()
	if err != nil {
		return err
	}

	if serviceDeviceDir != "" {
		if err := os.MkdirAll(serviceDeviceDir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", serviceDeviceDir, err)
		}
		if serviceUser != "" {
			if err := runCmd("chown", "-R", serviceUser+":"+serviceGroup, serviceDeviceDir); err != nil {
				fmt.Printf("Warning: could not set ownership on %s: %v\n", serviceDeviceDir, err)
			}
		}
	}

	unit, err := renderUnit(execPath, unitConfig{User: serviceUser, Group: serviceGroup, DeviceDir: serviceDeviceDir})
	if err != nil {
		return err
	}
	if err := os.WriteFile(systemdUnitPath, []byte(unit), 0644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}
	fmt.Printf("Created systemd unit: %s\n", systemdUnitPath)

	if err := runCmd("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}
	if err := runCmd("systemctl", "enable", serviceName); err != nil {
		return fmt.Errorf("enabling service: %w", err)
	}

	fmt.Printf("\nService installed and enabled.\n")
	fmt.Printf("  Config:  %s\n", defaultConfigPaths[0])
	fmt.Printf("  Start:   device-agent service start\n")
	fmt.Printf("  Logs:    device-agent service logs -f\n")
	return nil
}

func runServiceUninstall(cmd *cobra.Command, args []string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	if !isRoot() {
		return fmt.Errorf("root privileges required. Try: sudo %s service uninstall", os.Args[0])
	}

	_ = runCmd("systemctl", "stop", serviceName)
	_ = runCmd("systemctl", "disable", serviceName)

	if err := os.Remove(systemdUnitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit file: %w", err)
	}
	if err := runCmd("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("reloading systemd: %w", err)
	}

	fmt.Printf("Service uninstalled. Config at %s was kept.\n", defaultConfigPaths[0])
	return nil
}

func systemctl(action string) error {
	if err := requireLinux(); err != nil {
		return err
	}
	if !serviceInstalled() {
		return fmt.Errorf("service not installed. Run: device-agent service install")
	}
	if action == "status" {
		return runCmdInteractive("systemctl", "status", serviceName, "--no-pager")
	}
	if !isRoot() {
		return runCmdInteractive("sudo", "systemctl", action, serviceName)
	}
	return runCmd("systemctl", action, serviceName)
}

func runServiceLogs(cmd *cobra.Command, args []string) error {
	if err := requireLinux(); err != nil {
		return err
	}

	follow, _ := cmd.Flags().GetBool("follow")
	lines, _ := cmd.Flags().GetInt("lines")

	jArgs := []string{"-u", serviceName, "-n", fmt.Sprintf("%d", lines), "--no-pager"}
	if follow {
		jArgs = append(jArgs, "-f")
	}
	return runCmdInteractive("journalctl", jArgs...)
}

func isRoot() bool {
	return os.Geteuid() == 0
}

func serviceInstalled() bool {
	_, err := os.Stat(systemdUnitPath)
	return err == nil
}

func findAgentBinary() (string, error) {
	if execPath, err := os.Executable(); err == nil {
		if execPath, err = filepath.EvalSymlinks(execPath); err == nil {
			return execPath, nil
		}
	}
	if path, err := exec.LookPath("device-agent"); err == nil {
		return filepath.Abs(path)
	}
	return "", fmt.Errorf("could not find device-agent binary. Ensure it's installed in PATH")
}

func runCmd(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func runCmdInteractive(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}
