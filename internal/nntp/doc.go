// Package nntp implements a minimal synchronous NNTP client covering the
// commands the indexer needs: GROUP, LIST, XOVER, BODY, ARTICLE, STAT and
// QUIT, with optional TLS and AUTHINFO authentication.
package nntp
