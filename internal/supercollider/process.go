package supercollider

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"
)

var (
	startedBySelf  = false
	scsynthProcess *exec.Cmd
	cleanupCalled  = false
)

// IsServerRunning reports whether an scsynth process exists on this machine.
func IsServerRunning() bool {
	return isProcessRunning("scsynth")
}

// StartServer starts scsynth on the given UDP port if it is not already
// running. The process is owned by this package and killed by Cleanup.
func StartServer(port int) error {
	if IsServerRunning() {
		return nil // Already running (started externally)
	}

	scsynthPath, err := findScsynthPath()
	if err != nil {
		return fmt.Errorf("scsynth not found: %v", err)
	}

	scsynthProcess = exec.Command(scsynthPath, "-u", strconv.Itoa(port))
	scsynthProcess.Stdout = log.Writer()
	scsynthProcess.Stderr = log.Writer()

	if err := scsynthProcess.Start(); err != nil {
		scsynthProcess = nil
		return fmt.Errorf("failed to start scsynth: %v", err)
	}
	startedBySelf = true

	// Give the server a moment to bind its socket before we connect
	time.Sleep(1 * time.Second)
	if !IsServerRunning() {
		if scsynthProcess.Process != nil {
			scsynthProcess.Process.Kill()
		}
		scsynthProcess = nil
		startedBySelf = false
		return fmt.Errorf("scsynth failed to start properly")
	}

	return nil
}

// Cleanup kills the scsynth process if this package started it. Safe to call
// more than once.
func Cleanup() {
	if cleanupCalled {
		return
	}
	cleanupCalled = true

	if startedBySelf {
		if scsynthProcess != nil && scsynthProcess.Process != nil {
			scsynthProcess.Process.Kill()
			scsynthProcess.Wait()
		}
		startedBySelf = false
		scsynthProcess = nil
	}
}

// WasStartedBySelf reports whether this process spawned scsynth.
func WasStartedBySelf() bool {
	return startedBySelf
}

func findScsynthPath() (string, error) {
	// First try to find scsynth in PATH
	if path, err := exec.LookPath("scsynth"); err == nil {
		return path, nil
	}

	// Platform-specific fallback locations
	var possiblePaths []string

	switch runtime.GOOS {
	case "windows":
		programFilesDirs := []string{
			"C:\\Program Files",
			"C:\\Program Files (x86)",
		}
		for _, baseDir := range programFilesDirs {
			if scDir := findSuperColliderDir(baseDir); scDir != "" {
				possiblePaths = append(possiblePaths, filepath.Join(scDir, "scsynth.exe"))
			}
		}
		possiblePaths = append(possiblePaths,
			"C:\\Program Files\\SuperCollider\\scsynth.exe",
			"C:\\Program Files (x86)\\SuperCollider\\scsynth.exe",
		)
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			possiblePaths = append(possiblePaths, filepath.Join(localAppData, "SuperCollider", "scsynth.exe"))
		}

	case "darwin":
		possiblePaths = []string{
			"/Applications/SuperCollider.app/Contents/Resources/scsynth",
			"/Applications/SuperCollider/SuperCollider.app/Contents/Resources/scsynth",
		}
		if homeDir, err := os.UserHomeDir(); err == nil {
			possiblePaths = append(possiblePaths,
				filepath.Join(homeDir, "Applications", "SuperCollider.app", "Contents", "Resources", "scsynth"),
			)
		}

	case "linux":
		possiblePaths = []string{
			"/usr/bin/scsynth",
			"/usr/local/bin/scsynth",
			"/opt/supercollider/bin/scsynth",
		}
		if homeDir, err := os.UserHomeDir(); err == nil {
			possiblePaths = append(possiblePaths,
				filepath.Join(homeDir, ".local", "bin", "scsynth"),
				filepath.Join(homeDir, "bin", "scsynth"),
			)
		}
	}

	for _, path := range possiblePaths {
		if fileExists(path) {
			return path, nil
		}
	}

	return "", fmt.Errorf("scsynth executable not found in PATH or common installation locations")
}

func isProcessRunning(processName string) bool {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "windows":
		cmd = exec.Command("tasklist", "/FI", "IMAGENAME eq "+processName+".exe")
	default: // darwin, linux, etc.
		// Exact match so "scsynth" does not hit substrings
		cmd = exec.Command("pgrep", "-x", processName)
	}

	output, err := cmd.Output()
	if err != nil {
		return false
	}

	if runtime.GOOS == "windows" {
		out := strings.ToLower(string(output))
		return strings.Contains(out, strings.ToLower(processName+".exe"))
	}

	return len(strings.TrimSpace(string(output))) > 0
}

func fileExists(filepath string) bool {
	_, err := os.Stat(filepath)
	return !os.IsNotExist(err)
}

// findSuperColliderDir searches for a SuperCollider installation directory
// in the given base directory, looking for folders that start with
// "SuperCollider" (Windows installs carry version suffixes).
func findSuperColliderDir(baseDir string) string {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return ""
	}

	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), "SuperCollider") {
			scDir := filepath.Join(baseDir, entry.Name())
			if fileExists(filepath.Join(scDir, "scsynth.exe")) {
				return scDir
			}
		}
	}

	return ""
}
