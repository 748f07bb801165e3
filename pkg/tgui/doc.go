// Package tgui holds small helpers for Telegram HTML parse mode text.
package tgui
