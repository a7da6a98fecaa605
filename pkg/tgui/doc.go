// Package tgui holds helpers for Telegram's HTML parse mode: escaping,
// inline formatting, small "card" messages and length-safe splitting.
package tgui
