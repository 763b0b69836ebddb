// Package tgui provides small Telegram UI helpers for the operator menu:
//   - Inline keyboard builders
//   - Callback data helpers (scope:action:payload)
//   - A message builder that is safe for ParseMode=HTML
//   - A TTL token store for payloads longer than callback_data allows
package tgui
