// Package camera はカメラの接続からフレームの循環までを管理する
//
// # 責務
// - 接続・切断通知を受けてカメラをスロットに割り当てる (Registry)
// - スロットごとの取得セッションの状態遷移を管理する (Session)
// - ドライバーに貸し出すフレームバッファを固定数で確保し循環させる (BufferPool)
//
// # 状態遷移
//
//	Idle -> Opening -> Configuring -> Streaming -> Draining -> Stopped -> Idle
//
// 起動途中の失敗はその時点までの資源を解放して Idle に戻る。
// 取得中にカメラが抜かれた場合は Draining/Stopped の間 Unplugged として報告する。
//
// # バッファの所有権
// バッファは Free、InFlight (ドライバーが保持)、CompletedPendingSink (保存処理中) のいずれかにある。
// 完了したバッファは保存後に再投入されるか、停止中であれば Free に戻る。
// プールはすべてのバッファが Free に戻るまで解放されない。
package camera
