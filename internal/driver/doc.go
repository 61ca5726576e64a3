// Package driver カメラドライバーとの契約を定義する
//
// # 責務
// - ドライバーが提供する操作（オープン、属性の読み書き、キャプチャ開始・終了、フレームキュー）の抽象化
// - ドライバーのステータスコードと人間向けメッセージの対応表
// - テストとシミュレーション用のインメモリドライバー (MockDriver)
//
// # 仕様
//   - ドライバー呼び出しは個々にスレッドセーフであることを前提とする
//   - QueueFrame に渡したフレームは完了コールバックが呼ばれるまでドライバーが所有する
//   - ClearQueue はキュー内の全フレームを StatusCancelled で返却し終えるまでブロックする
//   - 完了コールバックはドライバー所有のゴルーチンから呼ばれる
package driver
