// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crawler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalizeURL(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "fragment stripped",
			in:   "https://acme.test/about#team",
			want: "https://acme.test/about",
		},
		{
			name: "utm params dropped",
			in:   "https://acme.test/p?utm_source=x&utm_campaign=y&id=9",
			want: "https://acme.test/p?id=9",
		},
		{
			name: "click ids and hsa prefix dropped",
			in:   "https://acme.test/?gclid=1&hsa_ad=2&q=go",
			want: "https://acme.test/?q=go",
		},
		{
			name: "ref dropped entirely",
			in:   "https://acme.test/post?ref=nav",
			want: "https://acme.test/post",
		},
		{
			name: "double slashes collapse",
			in:   "https://acme.test//a//b",
			want: "https://acme.test/a/b",
		},
		{
			name: "scheme added when missing",
			in:   "acme.test/about",
			want: "https://acme.test/about",
		},
		{
			name: "empty path becomes root",
			in:   "https://acme.test",
			want: "https://acme.test/",
		},
		{
			name: "surviving params sort",
			in:   "https://acme.test/s?b=2&a=1&fbclid=z",
			want: "https://acme.test/s?a=1&b=2",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanonicalizeURL(tt.in))
		})
	}
}

func TestURLFilterShouldProcess(t *testing.T) {
	filter := urlFilter{domains: []string{"acme.test"}}

	tests := []struct {
		name string
		url  string
		want bool
	}{
		{"in-domain page", "https://acme.test/about", true},
		{"subdomain by containment", "https://www.acme.test/about", true},
		{"foreign domain", "https://other.example/about", false},
		{"empty url", "", false},
		{"pdf skipped", "https://acme.test/brochure.pdf", false},
		{"image skipped case-insensitively", "https://acme.test/img/logo.PNG", false},
		{"archive skipped", "https://acme.test/backup.tar.gz", false},
		{"overlong url", "https://acme.test/" + strings.Repeat("a", maxURLLength), false},
		{"unparseable url passes through", "https://acme.test/%zz", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, filter.shouldProcess(tt.url))
		})
	}
}

func TestURLFilterShouldFollow(t *testing.T) {
	filter := urlFilter{domains: []string{"acme.test"}}

	tests := []struct {
		name string
		url  string
		want bool
	}{
		{"content page", "https://acme.test/blog/post", true},
		{"admin area", "https://acme.test/wp-admin/options.php", false},
		{"admin area uppercase", "https://acme.test/WP-ADMIN/tools", false},
		{"feed", "https://acme.test/blog/feed/", false},
		{"logout action", "https://acme.test/page?action=logout", false},
		{"rss format", "https://acme.test/news?format=rss", false},
		{"foreign domain", "https://other.example/blog", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, filter.shouldFollow(tt.url))
		})
	}
}

func TestLinkPriority(t *testing.T) {
	tests := []struct {
		name string
		url  string
		want int
	}{
		{"neutral page", "https://acme.test/misc", 50},
		{"content section", "https://acme.test/about", 60},
		{"two content segments count once", "https://acme.test/about/services", 60},
		{"deep path", "https://acme.test/a/b/c/d/e/f/g/h", 40},
		{"long query", "https://acme.test/search?q=" + strings.Repeat("x", 100), 40},
		{"content but deep and long query", "https://acme.test/blog/a/b/c/d/e/f?q=" + strings.Repeat("x", 100), 40},
		{"unparseable", "https://acme.test/%zz", 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, linkPriority(tt.url))
		})
	}
}

func TestPaginationCandidates(t *testing.T) {
	t.Run("query page param", func(t *testing.T) {
		got := paginationCandidates("https://acme.test/blog?page=2")
		assert.Equal(t, []string{
			"https://acme.test/blog?page=3",
			"https://acme.test/blog?page=4",
			"https://acme.test/blog?page=5",
		}, got)
	})

	t.Run("path pagination", func(t *testing.T) {
		got := paginationCandidates("https://acme.test/blog/page/4")
		assert.Equal(t, []string{
			"https://acme.test/blog/page/5",
			"https://acme.test/blog/page/6",
			"https://acme.test/blog/page/7",
		}, got)
	})

	t.Run("path pagination with trailing slash", func(t *testing.T) {
		got := paginationCandidates("https://acme.test/blog/page/4/")
		assert.Equal(t, []string{
			"https://acme.test/blog/page/5",
			"https://acme.test/blog/page/6",
			"https://acme.test/blog/page/7",
		}, got)
	})

	t.Run("offset param keeps other params", func(t *testing.T) {
		got := paginationCandidates("https://acme.test/list?offset=10&sort=asc")
		assert.Equal(t, []string{
			"https://acme.test/list?offset=11&sort=asc",
			"https://acme.test/list?offset=12&sort=asc",
			"https://acme.test/list?offset=13&sort=asc",
		}, got)
	})

	t.Run("no pagination marker", func(t *testing.T) {
		assert.Empty(t, paginationCandidates("https://acme.test/blog"))
	})
}
