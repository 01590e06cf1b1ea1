// Package main provides a CLI tool for validating SOAR correlation rule and
// response policy YAML files.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"boundary-soar/internal/correlation"
	"boundary-soar/internal/response"
)

var version = "dev"

const (
	kindRules    = "rules"
	kindPolicies = "policies"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		runValidateCmd(os.Args[2:])
	case "list":
		runListCmd(os.Args[2:])
	case "-version", "--version", "-v":
		fmt.Printf("soar-rules %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: soar-rules <command> [flags] [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  validate  Validate YAML rule or policy files and directories\n")
	fmt.Fprintf(os.Stderr, "  list      List rules or policies found in files or directories\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -kind     rules (default) or policies\n")
	fmt.Fprintf(os.Stderr, "  -version  Show version and exit\n")
}

func runValidateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "Show detailed information")
	kind := fs.String("kind", kindRules, "File kind: rules or policies")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one path is required\n")
		fmt.Fprintf(os.Stderr, "Usage: soar-rules validate [-kind rules|policies] [-verbose] <path> [<path>...]\n")
		os.Exit(1)
	}
	if *kind != kindRules && *kind != kindPolicies {
		fmt.Fprintf(os.Stderr, "Error: unknown kind %q\n", *kind)
		os.Exit(1)
	}

	os.Exit(runValidate(os.Stdout, paths, *kind, *verbose))
}

func runListCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	kind := fs.String("kind", kindRules, "File kind: rules or policies")
	builtin := fs.Bool("builtin", false, "List the built-in set instead of files")
	fs.Parse(args)

	if *builtin {
		os.Exit(listBuiltin(os.Stdout, *kind))
	}

	paths := fs.Args()
	if len(paths) == 0 {
		paths = []string{*kind}
	}
	os.Exit(runList(os.Stdout, paths, *kind))
}

func runValidate(out io.Writer, paths []string, kind string, verbose bool) int {
	var totalFiles, validFiles, invalidFiles int

	for _, path := range paths {
		files, err := collectYAMLFiles(path)
		if err != nil {
			fmt.Fprintf(out, "  FAIL  %s: %v\n", path, err)
			invalidFiles++
			continue
		}
		for _, f := range files {
			totalFiles++
			if validateFile(out, f, kind, verbose) {
				validFiles++
			} else {
				invalidFiles++
			}
		}
	}

	fmt.Fprintf(out, "\nResults: %d files checked, %d valid, %d invalid\n", totalFiles, validFiles, invalidFiles)

	if invalidFiles > 0 {
		return 1
	}
	return 0
}

func validateFile(out io.Writer, path, kind string, verbose bool) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(out, "  FAIL  %s: %v\n", path, err)
		return false
	}

	if kind == kindPolicies {
		policies, err := response.ParsePolicies(data)
		if err != nil {
			fmt.Fprintf(out, "  FAIL  %s: %v\n", path, err)
			return false
		}
		fmt.Fprintf(out, "  OK    %s (%d policy(ies))\n", path, len(policies))
		if verbose {
			for _, p := range policies {
				printPolicyDetail(out, p)
			}
		}
		return true
	}

	rules, err := correlation.ParseRules(data)
	if err != nil {
		fmt.Fprintf(out, "  FAIL  %s: %v\n", path, err)
		return false
	}
	fmt.Fprintf(out, "  OK    %s (%d rule(s))\n", path, len(rules))
	if verbose {
		for _, rule := range rules {
			printRuleDetail(out, rule)
		}
	}
	return true
}

func printRuleDetail(out io.Writer, rule *correlation.Rule) {
	fmt.Fprintf(out, "        - [%s] %s (type=%s, mode=%s, enabled=%t)\n",
		rule.ID, rule.Name, rule.Type, rule.EffectiveMode(), rule.Enabled)
	fmt.Fprintf(out, "          threshold: %d signal(s) in %s\n", rule.Threshold.MinSignals, rule.Threshold.Window())
	if len(rule.Tags) > 0 {
		fmt.Fprintf(out, "          tags: %s\n", strings.Join(rule.Tags, ", "))
	}
}

func printPolicyDetail(out io.Writer, p response.Policy) {
	actions := make([]string, len(p.Actions))
	for i, a := range p.Actions {
		actions[i] = string(a)
	}
	fmt.Fprintf(out, "        - [%s] %s (threat=%s, trigger=%s, active=%t)\n",
		p.ID, p.Name, p.TriggerCondition.ThreatType, p.Trigger, p.Active)
	fmt.Fprintf(out, "          actions: %s\n", strings.Join(actions, ", "))
}

func runList(out io.Writer, paths []string, kind string) int {
	for _, path := range paths {
		files, err := collectYAMLFiles(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
			continue
		}

		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				continue
			}
			if kind == kindPolicies {
				policies, err := response.ParsePolicies(data)
				if err != nil {
					continue
				}
				for _, p := range policies {
					printPolicyLine(out, p)
				}
				continue
			}
			rules, err := correlation.ParseRules(data)
			if err != nil {
				continue
			}
			for _, rule := range rules {
				printRuleLine(out, rule)
			}
		}
	}
	return 0
}

func listBuiltin(out io.Writer, kind string) int {
	if kind == kindPolicies {
		for _, p := range response.BuiltinPolicies() {
			printPolicyLine(out, p)
		}
		return 0
	}
	for _, rule := range correlation.BuiltinRules() {
		printRuleLine(out, rule)
	}
	return 0
}

func printRuleLine(out io.Writer, rule *correlation.Rule) {
	fmt.Fprintf(out, "%-40s  %-12s  %-10s  %s\n", rule.ID, rule.Type, rule.EffectiveMode(), rule.Name)
}

func printPolicyLine(out io.Writer, p response.Policy) {
	fmt.Fprintf(out, "%-40s  %-20s  %-14s  %s\n", p.ID, p.TriggerCondition.ThreatType, p.Trigger, p.Name)
}

// collectYAMLFiles returns path itself for a file, or every YAML file below
// it for a directory.
func collectYAMLFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(p))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}
