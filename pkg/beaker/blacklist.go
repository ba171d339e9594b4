package beaker

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/beevik/etree"
)

// LoadBlacklist reads a newline-separated host blacklist file. Blank lines
// and lines starting with '#' are skipped. Order is preserved.
func LoadBlacklist(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open blacklist: %w", err)
	}
	defer f.Close()

	var hosts []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hosts = append(hosts, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read blacklist: %w", err)
	}
	return hosts, nil
}

// ApplyBlacklist rewrites a <hostRequires> element to exclude the given
// hosts. An explicit force= host pin overrides blacklisting and leaves the
// element untouched. Otherwise existing children are grouped under a single
// <and> element and one <hostname op="!=" value="..."/> clause is appended
// per host, in blacklist order, skipping exclusions already present.
// Applying the same blacklist twice is a no-op.
func ApplyBlacklist(hostRequires *etree.Element, hosts []string) {
	if hostRequires == nil || len(hosts) == 0 {
		return
	}
	if hostRequires.SelectAttr("force") != nil {
		return
	}

	and := hostRequires.SelectElement("and")
	if and == nil {
		existing := hostRequires.ChildElements()
		and = etree.NewElement("and")
		for _, child := range existing {
			hostRequires.RemoveChild(child)
			and.AddChild(child)
		}
		hostRequires.AddChild(and)
	}

	present := make(map[string]bool)
	for _, el := range and.SelectElements("hostname") {
		if el.SelectAttrValue("op", "") == "!=" {
			present[el.SelectAttrValue("value", "")] = true
		}
	}

	for _, host := range hosts {
		if present[host] {
			continue
		}
		excl := and.CreateElement("hostname")
		excl.CreateAttr("op", "!=")
		excl.CreateAttr("value", host)
		present[host] = true
	}
}
