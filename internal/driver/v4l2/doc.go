// Package v4l2 は Linux の V4L2 デバイスを driver.Driver として扱う
//
// # 仕様
//   - カメラの識別子はデバイスノード名 (video0 など) を使う
//   - 接続・切断はデバイスディレクトリの作成・削除通知で検出する
//   - 固定レートのトリガーは読み出したフレームの間引きで再現する
//   - 露出・ゲイン・ホワイトバランスは V4L2 コントロールに対応付ける
package v4l2
