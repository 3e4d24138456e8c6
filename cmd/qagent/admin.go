package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/m4xw311/qagent/config"
	"github.com/m4xw311/qagent/errors"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage agent manifests",
	}

	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a workspace agent manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manifest := config.DefaultAgent()
			manifest.Name = args[0]
			manifest.Description = ""
			path, err := config.WriteAgent(manifest)
			if err != nil {
				return err
			}
			fmt.Printf("Created %s\n", path)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List available agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := config.ListAgents()
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}

	edit := &cobra.Command{
		Use:   "edit NAME",
		Short: "Open an agent manifest in $EDITOR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			path := filepath.Join(wd, ".amazonq", "cli-agents", args[0]+".json")
			if _, err := os.Stat(path); err != nil {
				return errors.Typedf(errors.KindUserInput, "agent_not_found", err,
					"no workspace agent named %q", args[0])
			}
			editor := os.Getenv("EDITOR")
			if editor == "" {
				editor = "vi"
			}
			c := exec.Command(editor, path)
			c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
			return c.Run()
		},
	}

	cmd.AddCommand(create, list, edit)
	return cmd
}

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Read and write persistent settings",
	}

	get := &cobra.Command{
		Use:   "get KEY",
		Short: "Print a setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			value, err := st.GetSetting(args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		},
	}

	set := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			return st.SetSetting(args[0], args[1])
		},
	}

	cmd.AddCommand(get, set)
	return cmd
}

func newMcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Manage the legacy MCP server registry",
	}

	mcpJSONPath := func() (string, error) {
		dir, err := config.Dir()
		if err != nil {
			return "", err
		}
		return filepath.Join(dir, "mcp.json"), nil
	}

	type mcpFile struct {
		McpServers map[string]config.McpServerSpec `json:"mcpServers"`
	}

	loadFile := func() (*mcpFile, string, error) {
		path, err := mcpJSONPath()
		if err != nil {
			return nil, "", err
		}
		file := &mcpFile{McpServers: map[string]config.McpServerSpec{}}
		data, err := os.ReadFile(path)
		if err == nil {
			if err := json.Unmarshal(data, file); err != nil {
				return nil, "", errors.Wrapf(err, "could not parse %s", path)
			}
		}
		return file, path, nil
	}

	saveFile := func(file *mcpFile, path string) error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		data, err := json.MarshalIndent(file, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(path, data, 0o644)
	}

	var timeoutMs int
	add := &cobra.Command{
		Use:   "add NAME COMMAND [ARGS...]",
		Short: "Register an MCP server",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, path, err := loadFile()
			if err != nil {
				return err
			}
			spec := config.McpServerSpec{Command: args[1], Args: args[2:]}
			if timeoutMs > 0 {
				spec.TimeoutMs = timeoutMs
			}
			if strings.HasPrefix(args[1], "http://") || strings.HasPrefix(args[1], "https://") {
				spec = config.McpServerSpec{URL: args[1], TimeoutMs: spec.TimeoutMs}
			}
			file.McpServers[args[0]] = spec
			return saveFile(file, path)
		},
	}
	add.Flags().IntVar(&timeoutMs, "timeout", 0, "per-request timeout in milliseconds")

	remove := &cobra.Command{
		Use:   "remove NAME",
		Short: "Unregister an MCP server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, path, err := loadFile()
			if err != nil {
				return err
			}
			if _, ok := file.McpServers[args[0]]; !ok {
				return errors.Typedf(errors.KindUserInput, "mcp_server_not_found", nil,
					"no MCP server named %q", args[0])
			}
			delete(file.McpServers, args[0])
			return saveFile(file, path)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered MCP servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _, err := loadFile()
			if err != nil {
				return err
			}
			for name, spec := range file.McpServers {
				target := spec.Command
				if spec.URL != "" {
					target = spec.URL
				}
				timeout := spec.TimeoutMs
				if timeout == 0 {
					timeout = 120000
				}
				fmt.Printf("%-24s %-8s %s (timeout %sms)\n",
					name, spec.Transport(), target, strconv.Itoa(timeout))
			}
			return nil
		},
	}

	cmd.AddCommand(add, remove, list)
	return cmd
}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Store a backend credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print("Paste token: ")
			reader := bufio.NewReader(os.Stdin)
			token, err := reader.ReadString('\n')
			if err != nil {
				return err
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return errors.Typedf(errors.KindUserInput, "empty_token", nil, "no token given")
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.SaveToken("default", token); err != nil {
				return err
			}
			fmt.Println("Credential stored.")
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored backend credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.DeleteToken("default"); err != nil {
				return err
			}
			fmt.Println("Credential removed.")
			return nil
		},
	}
}
