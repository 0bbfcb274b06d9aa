package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage notification rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all notification rules",
	Run: func(cmd *cobra.Command, args []string) {
		resp, err := http.Get(serviceURL() + "/rules")
		if err != nil {
			fmt.Printf("Error connecting to notifications service: %v\n", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			fmt.Println("Failed to list rules. Status:", resp.Status)
			return
		}

		var rules []struct {
			ID        string   `json:"id"`
			EventType string   `json:"event_type"`
			Enabled   bool     `json:"enabled"`
			Channels  []string `json:"channels"`
			Priority  string   `json:"priority"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&rules); err != nil {
			fmt.Printf("Error decoding response: %v\n", err)
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tEVENT TYPE\tENABLED\tCHANNELS\tPRIORITY")
		for _, r := range rules {
			fmt.Fprintf(w, "%s\t%s\t%t\t%v\t%s\n", r.ID, r.EventType, r.Enabled, r.Channels, r.Priority)
		}
		w.Flush()
	},
}

var rulesCreateCmd = &cobra.Command{
	Use:   "create [file.json]",
	Short: "Create a notification rule from a JSON file",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		body, err := os.ReadFile(args[0])
		if err != nil {
			fmt.Printf("Error reading rule file: %v\n", err)
			return
		}

		resp, err := http.Post(serviceURL()+"/rules", "application/json", bytes.NewBuffer(body))
		if err != nil {
			fmt.Printf("Error connecting to notifications service: %v\n", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusCreated {
			var e struct {
				Error string `json:"error"`
			}
			json.NewDecoder(resp.Body).Decode(&e)
			fmt.Printf("Failed to create rule: %s (%s)\n", e.Error, resp.Status)
			return
		}

		var created struct {
			ID string `json:"id"`
		}
		json.NewDecoder(resp.Body).Decode(&created)
		fmt.Printf("Rule created: %s\n", created.ID)
	},
}

func init() {
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesCreateCmd)
	rootCmd.AddCommand(rulesCmd)
}
