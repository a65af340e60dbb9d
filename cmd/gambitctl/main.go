package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "Gambit server URL")
	flag.Parse()

	fmt.Println("Gambit CLI")
	fmt.Printf("Server: %s\n", *server)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("Commands: /providers, /runs [strategy], /agent <task>, /refine <task>, /route <input>")
	fmt.Println("Anything else runs through the agent loop.")
	fmt.Println("---")

	fetchProviders(*server)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}
		if input == "/providers" {
			fetchProviders(*server)
			continue
		}
		if strings.HasPrefix(input, "/runs") {
			fetchRuns(*server, strings.TrimSpace(strings.TrimPrefix(input, "/runs")))
			continue
		}
		if strings.HasPrefix(input, "/agent ") {
			runAgent(*server, strings.TrimPrefix(input, "/agent "))
			continue
		}
		if strings.HasPrefix(input, "/refine ") {
			runRefine(*server, strings.TrimPrefix(input, "/refine "))
			continue
		}
		if strings.HasPrefix(input, "/route ") {
			runComplexity(*server, strings.TrimPrefix(input, "/route "))
			continue
		}

		runAgent(*server, input)
	}
}

func fetchProviders(server string) {
	resp, err := http.Get(server + "/api/providers")
	if err != nil {
		printError("Failed to fetch providers: %v", err)
		return
	}
	defer resp.Body.Close()

	var providers []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&providers); err != nil {
		printError("Failed to parse providers: %v", err)
		return
	}
	if len(providers) == 0 {
		fmt.Println("No providers configured.")
		return
	}
	fmt.Println("Providers:")
	for _, p := range providers {
		fmt.Printf("  %s (%s)\n", p.ID, p.Name)
	}
}

func fetchRuns(server, strategy string) {
	url := server + "/api/runs"
	if strategy != "" {
		url += "?strategy=" + strategy
	}
	resp, err := http.Get(url)
	if err != nil {
		printError("Failed to fetch runs: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}

	var runs []struct {
		ID       string `json:"id"`
		Strategy string `json:"strategy"`
		Success  bool   `json:"success"`
		Input    string `json:"input"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&runs); err != nil {
		printError("Failed to parse runs: %v", err)
		return
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet.")
		return
	}
	for _, r := range runs {
		icon := "\033[31m✗\033[0m"
		if r.Success {
			icon = "\033[32m✓\033[0m"
		}
		input := r.Input
		if len(input) > 60 {
			input = input[:60] + "..."
		}
		fmt.Printf("  %s %-10s %s  %s\n", icon, r.Strategy, r.ID[:8], input)
	}
}

func runAgent(server, task string) {
	var result struct {
		Success     bool   `json:"success"`
		FinalResult string `json:"final_result"`
		TotalSteps  int    `json:"total_steps"`
		ToolCalls   int    `json:"tool_calls"`
	}
	if !post(server, "/api/agent", map[string]string{"task": task}, &result) {
		return
	}
	fmt.Printf("\033[36m[agent %d steps, %d tool calls]\033[0m %s\n", result.TotalSteps, result.ToolCalls, result.FinalResult)
}

func runRefine(server, task string) {
	var result struct {
		FinalOutput  string  `json:"final_output"`
		FinalScore   float64 `json:"final_score"`
		Iterations   int     `json:"iterations"`
		MetThreshold bool    `json:"met_threshold"`
	}
	if !post(server, "/api/refine", map[string]string{"task": task}, &result) {
		return
	}
	fmt.Printf("\033[36m[refine %d iterations, score %.2f]\033[0m %s\n", result.Iterations, result.FinalScore, result.FinalOutput)
}

func runComplexity(server, input string) {
	var result struct {
		Complexity string `json:"complexity"`
		Model      string `json:"model"`
		Output     string `json:"output"`
	}
	if !post(server, "/api/complexity", map[string]string{"input": input}, &result) {
		return
	}
	fmt.Printf("\033[36m[%s → %s]\033[0m %s\n", result.Complexity, result.Model, result.Output)
}

func post(server, path string, body interface{}, out interface{}) bool {
	data, _ := json.Marshal(body)

	client := &http.Client{Timeout: 120 * time.Second}
	resp, err := client.Post(server+path, "application/json", bytes.NewReader(data))
	if err != nil {
		printError("Request failed: %v", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(raw))
		return false
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		printError("Failed to parse response: %v", err)
		return false
	}
	return true
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
