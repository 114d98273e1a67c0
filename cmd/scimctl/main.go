// Command scimctl is a small operator CLI for the SCIM gateway.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/dhawalhost/scimgate/internal/scim"
	"github.com/dhawalhost/scimgate/pkg/client"
)

const defaultBaseURL = "http://localhost:8090/scim/v2"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "users":
		err = runUsers(os.Args[2:])
	case "groups":
		err = runGroups(os.Args[2:])
	case "help", "-h", "--help":
		usage()
		return
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: scimctl <command> [flags]

Commands:
  users list    [-filter F] [-count N]
  users get     -id ID
  users create  -username NAME [-display NAME]
  users delete  -id ID
  groups list   [-filter F] [-count N]
  groups get    -id ID
  groups create -name NAME
  groups delete -id ID

Common flags:
  -url   Base URL of the SCIM service (default `+defaultBaseURL+`,
         or SCIMGATE_URL)
  -token Bearer token (or SCIMGATE_TOKEN)`)
}

// clientFlags registers the shared connection flags and returns a
// constructor to call after fs.Parse.
func clientFlags(fs *flag.FlagSet) func() *client.Client {
	baseURL := fs.String("url", envOr("SCIMGATE_URL", defaultBaseURL), "base URL of the SCIM service")
	token := fs.String("token", os.Getenv("SCIMGATE_TOKEN"), "bearer token")
	return func() *client.Client {
		return client.New(client.Config{BaseURL: *baseURL, Token: *token})
	}
}

func runUsers(args []string) error {
	if len(args) < 1 {
		usage()
		return fmt.Errorf("users: missing subcommand")
	}

	fs := flag.NewFlagSet("users "+args[0], flag.ExitOnError)
	newc := clientFlags(fs)
	id := fs.String("id", "", "resource id")
	username := fs.String("username", "", "userName for create")
	display := fs.String("display", "", "displayName for create")
	filter := fs.String("filter", "", "SCIM filter expression")
	count := fs.Int("count", 0, "page size")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	c := newc()
	ctx := context.Background()

	switch args[0] {
	case "list":
		list, err := c.ListUsers(ctx, client.ListOptions{Filter: *filter, Count: *count})
		if err != nil {
			return err
		}
		return printJSON(list)
	case "get":
		if *id == "" {
			return fmt.Errorf("users get: -id is required")
		}
		var user scim.User
		if err := c.GetUser(ctx, *id, &user); err != nil {
			return err
		}
		return printJSON(user)
	case "create":
		if *username == "" {
			return fmt.Errorf("users create: -username is required")
		}
		var created scim.User
		err := c.CreateUser(ctx, scim.User{UserName: *username, DisplayName: *display}, &created)
		if err != nil {
			return err
		}
		return printJSON(created)
	case "delete":
		if *id == "" {
			return fmt.Errorf("users delete: -id is required")
		}
		return c.DeleteUser(ctx, *id)
	default:
		usage()
		return fmt.Errorf("users: unknown subcommand %q", args[0])
	}
}

func runGroups(args []string) error {
	if len(args) < 1 {
		usage()
		return fmt.Errorf("groups: missing subcommand")
	}

	fs := flag.NewFlagSet("groups "+args[0], flag.ExitOnError)
	newc := clientFlags(fs)
	id := fs.String("id", "", "resource id")
	name := fs.String("name", "", "displayName for create")
	filter := fs.String("filter", "", "SCIM filter expression")
	count := fs.Int("count", 0, "page size")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	c := newc()
	ctx := context.Background()

	switch args[0] {
	case "list":
		list, err := c.ListGroups(ctx, client.ListOptions{Filter: *filter, Count: *count})
		if err != nil {
			return err
		}
		return printJSON(list)
	case "get":
		if *id == "" {
			return fmt.Errorf("groups get: -id is required")
		}
		var group scim.Group
		if err := c.GetGroup(ctx, *id, &group); err != nil {
			return err
		}
		return printJSON(group)
	case "create":
		if *name == "" {
			return fmt.Errorf("groups create: -name is required")
		}
		var created scim.Group
		if err := c.CreateGroup(ctx, scim.Group{DisplayName: *name}, &created); err != nil {
			return err
		}
		return printJSON(created)
	case "delete":
		if *id == "" {
			return fmt.Errorf("groups delete: -id is required")
		}
		return c.DeleteGroup(ctx, *id)
	default:
		usage()
		return fmt.Errorf("groups: unknown subcommand %q", args[0])
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
