// Package server は取得状況を確認するためのHTTPサーバーを提供する
//
// 責務:
//   - ヘルスチェックと全体の状態 (/health, /api/status)
//   - スロットごとのセッション情報 (/api/sessions, /api/sessions/:slot)
//   - Prometheus 形式のメトリクス (/metrics)
//
// 仕様:
//   - ルーティングは gin を使用
//   - 読み取り専用で、取得処理には影響しない
//   - コンテキストのキャンセルでグレースフルシャットダウンする
package server
